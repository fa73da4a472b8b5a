package admin

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/presence-chat/internal/chat"
	"github.com/andy6609/presence-chat/internal/config"
	"github.com/andy6609/presence-chat/internal/transport"
	"github.com/andy6609/presence-chat/internal/wire"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*chat.Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.ShutdownGrace = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv := chat.NewServer(cfg)
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)
	require.NoError(t, srv.Serve(ln))

	hs := httptest.NewServer(Router(&Deps{Server: srv, Environment: "development", TrustProxy: cfg.TrustProxy}))
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	return srv, hs
}

func dialWS(t *testing.T, hs *httptest.Server) *wire.Channel {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	ws := transport.NewWSConn(conn)
	t.Cleanup(func() { _ = ws.Close() })
	return wire.NewChannel(ws, 0, time.Second)
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, into), string(body))
	return res.StatusCode
}

func TestHealth(t *testing.T) {
	_, hs := newTestServer(t, nil)

	var body map[string]any
	code := getJSON(t, hs.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["online"])
}

func TestWebSocketSessionShowsInUsers(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	ch := dialWS(t, hs)

	require.NoError(t, ch.SendRequest(&wire.Request{
		Operation:    wire.OpRegisterUser,
		RegisterUser: &wire.RegisterUser{Username: "alice"},
	}))
	resp, err := ch.ReceiveResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, resp.StatusCode)
	assert.Equal(t, "user registered", resp.Message)

	require.NoError(t, ch.SendRequest(&wire.Request{
		Operation:    wire.OpUpdateStatus,
		UpdateStatus: &wire.UpdateStatus{NewStatus: wire.StatusBusy},
	}))
	resp, err = ch.ReceiveResponse()
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, resp.StatusCode)

	var body struct {
		Users []userView `json:"users"`
	}
	code := getJSON(t, hs.URL+"/users", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []userView{{Username: "alice", Status: "busy"}}, body.Users)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestWebSocketBroadcastReachesTCPClient(t *testing.T) {
	srv, hs := newTestServer(t, nil)
	ws := dialWS(t, hs)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	tcp := wire.NewChannel(conn, 0, time.Second)

	register := func(ch *wire.Channel, name string) {
		require.NoError(t, ch.SendRequest(&wire.Request{
			Operation:    wire.OpRegisterUser,
			RegisterUser: &wire.RegisterUser{Username: name},
		}))
		resp, err := ch.ReceiveResponse()
		require.NoError(t, err)
		require.Equal(t, wire.StatusOK, resp.StatusCode, resp.Message)
	}
	register(ws, "alice")
	register(tcp, "bob")

	require.NoError(t, ws.SendRequest(&wire.Request{
		Operation:   wire.OpSendMessage,
		SendMessage: &wire.SendMessage{Content: "hi all"},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	resp, err := tcp.ReceiveResponse()
	require.NoError(t, err)
	require.NotNil(t, resp.IncomingMessage)
	assert.Equal(t, wire.OpIncomingMessage, resp.Operation)
	assert.Equal(t, wire.IncomingMessage{Sender: "alice", Content: "hi all", Kind: wire.KindBroadcast}, *resp.IncomingMessage)
}

func TestMetricsExposed(t *testing.T) {
	_, hs := newTestServer(t, nil)

	res, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "chat_connected_sessions")
}

// dialWSFrom opens /ws claiming to come from ip and returns the HTTP status
// of the handshake.
func dialWSFrom(t *testing.T, hs *httptest.Server, ip string) int {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": []string{ip}})
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	require.NotNil(t, res)
	return res.StatusCode
}

func TestWebSocket_ForwardedHeadersIgnoredByDefault(t *testing.T) {
	_, hs := newTestServer(t, func(c *config.Config) {
		c.AcceptRate = 0.001
		c.AcceptBurst = 1
	})

	assert.Equal(t, http.StatusSwitchingProtocols, dialWSFrom(t, hs, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, dialWSFrom(t, hs, "203.0.113.2"),
		"a spoofed header does not buy a fresh bucket")
}

func TestWebSocket_ForwardedHeadersBehindTrustedProxy(t *testing.T) {
	_, hs := newTestServer(t, func(c *config.Config) {
		c.AcceptRate = 0.001
		c.AcceptBurst = 1
		c.TrustProxy = true
	})

	assert.Equal(t, http.StatusSwitchingProtocols, dialWSFrom(t, hs, "203.0.113.1"))
	assert.Equal(t, http.StatusSwitchingProtocols, dialWSFrom(t, hs, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, dialWSFrom(t, hs, "203.0.113.1"))
}
