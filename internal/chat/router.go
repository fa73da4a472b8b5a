package chat

import (
	"errors"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/andy6609/presence-chat/internal/logx"
	"github.com/andy6609/presence-chat/internal/wire"
)

// Router interprets one request against the Registry. It holds no per-session
// state: replies are returned to the calling session, directed messages are
// queued through the Registry and broadcasts go to the Fanout.
type Router struct {
	reg            *Registry
	fanout         *Fanout
	maxUsernameLen int
	logger         zerolog.Logger
}

func NewRouter(reg *Registry, fanout *Fanout, maxUsernameLen int) *Router {
	if maxUsernameLen <= 0 {
		maxUsernameLen = 32
	}
	return &Router{
		reg:            reg,
		fanout:         fanout,
		maxUsernameLen: maxUsernameLen,
		logger:         logx.Component("router"),
	}
}

// Handle processes req for s. The reply, if any, is for s's outbound queue.
// A non-nil error means s must close once the reply has been queued.
func (rt *Router) Handle(s *Session, req *wire.Request) (*wire.Response, error) {
	if s.State() == StateConnected {
		if req.Operation != wire.OpRegisterUser {
			return wire.BadRequest(req.Operation, "first request must be REGISTER_USER"),
				&ProtocolError{Reason: "request before registration: " + req.Operation.String()}
		}
		return rt.register(s, req)
	}

	switch req.Operation {
	case wire.OpRegisterUser:
		return replyFor(req.Operation, ErrAlreadyRegistered), nil
	case wire.OpSendMessage:
		return rt.sendMessage(s, req), nil
	case wire.OpGetUsers:
		return rt.getUsers(req), nil
	case wire.OpUpdateStatus:
		return rt.updateStatus(s, req), nil
	case wire.OpUnregisterUser:
		return wire.OK(req.Operation, "user unregistered"), errUnregistered
	default:
		rt.logger.Debug().Str("session_id", s.ID()).Int32("operation", int32(req.Operation)).Msg("unknown operation")
		return replyFor(req.Operation, ErrUnknownOperation), nil
	}
}

// register drives Connected → Registering → Active, or → Closing on
// failure. The OK reply is queued by the Registry, not returned.
func (rt *Router) register(s *Session, req *wire.Request) (*wire.Response, error) {
	op := req.Operation
	if req.RegisterUser == nil {
		perr := &ProtocolError{Reason: "register", Err: ErrMissingPayload}
		return replyFor(op, perr), perr
	}

	name := strings.TrimSpace(req.RegisterUser.Username)
	if !rt.validUsername(name) {
		perr := &ProtocolError{Reason: "register", Err: ErrUsernameInvalid}
		return replyFor(op, perr), perr
	}

	if !s.beginRegistering() {
		return nil, ErrSessionClosing
	}

	err := rt.reg.TryRegister(name, s, wire.OK(op, "user registered"))
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, ErrSessionClosing):
		return nil, err
	default:
		rt.logger.Info().Str("session_id", s.ID()).Str("username", name).Err(err).Msg("registration rejected")
		perr := &ProtocolError{Reason: "register", Err: err}
		return replyFor(op, perr), perr
	}
}

func (rt *Router) validUsername(name string) bool {
	if name == "" || len(name) > rt.maxUsernameLen {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func (rt *Router) sendMessage(s *Session, req *wire.Request) *wire.Response {
	op := req.Operation
	p := req.SendMessage
	if p == nil {
		return replyFor(op, ErrMissingPayload)
	}
	if strings.TrimSpace(p.Content) == "" {
		return replyFor(op, ErrEmptyContent)
	}

	sender := s.Username()
	recipient := strings.TrimSpace(p.Recipient)

	if recipient == "" {
		err := rt.fanout.Submit(s.ID(), wire.IncomingMessage{Sender: sender, Content: p.Content, Kind: wire.KindBroadcast})
		if err != nil {
			rt.logger.Error().Err(err).Str("sender", sender).Msg("broadcast not accepted")
			return wire.InternalError(op, "broadcast unavailable")
		}
		return wire.OK(op, "message sent")
	}

	msg := wire.Incoming(wire.IncomingMessage{Sender: sender, Content: p.Content, Kind: wire.KindDirect})
	if err := rt.reg.Deliver(recipient, msg); err != nil {
		return replyFor(op, err)
	}
	DirectMessagesDelivered.Inc()
	return wire.OK(op, "message sent")
}

func (rt *Router) getUsers(req *wire.Request) *wire.Response {
	op := req.Operation

	var name string
	if req.GetUsers != nil {
		name = strings.TrimSpace(req.GetUsers.Username)
	}

	if name == "" {
		resp := wire.OK(op, "online users")
		resp.UserList = &wire.UserList{Type: wire.ListAll, Users: rt.reg.SnapshotOnline()}
		return resp
	}

	id, ok := rt.reg.Lookup(name)
	if !ok {
		return replyFor(op, ErrUserNotFound)
	}
	resp := wire.OK(op, "user found")
	resp.UserList = &wire.UserList{
		Type:  wire.ListSingle,
		Users: []wire.User{{Username: id.Username, Status: id.Status}},
	}
	return resp
}

func (rt *Router) updateStatus(s *Session, req *wire.Request) *wire.Response {
	op := req.Operation
	if req.UpdateStatus == nil {
		return replyFor(op, ErrMissingStatus)
	}

	prev, err := rt.reg.SetStatus(s, req.UpdateStatus.NewStatus)
	if err != nil {
		return replyFor(op, err)
	}
	rt.logger.Debug().
		Str("session_id", s.ID()).
		Stringer("from", prev).
		Stringer("to", req.UpdateStatus.NewStatus).
		Msg("status updated")
	return wire.OK(op, "status updated")
}
