// Package wire holds the request/response model of the chat protocol, its
// binary payload codec, and the length-prefixed framing used on the stream.
package wire

import "fmt"

// Operation tags a request and the response that answers it.
type Operation int32

const (
	OpUnknown Operation = iota
	OpRegisterUser
	OpSendMessage
	OpGetUsers
	OpUpdateStatus
	OpUnregisterUser
	// OpIncomingMessage is only ever pushed by the server, never requested.
	OpIncomingMessage
)

func (o Operation) String() string {
	switch o {
	case OpRegisterUser:
		return "register_user"
	case OpSendMessage:
		return "send_message"
	case OpGetUsers:
		return "get_users"
	case OpUpdateStatus:
		return "update_status"
	case OpUnregisterUser:
		return "unregister_user"
	case OpIncomingMessage:
		return "incoming_message"
	default:
		return "unknown"
	}
}

// StatusCode is carried by every response.
type StatusCode int32

const (
	StatusOK                  StatusCode = 200
	StatusBadRequest          StatusCode = 400
	StatusInternalServerError StatusCode = 500
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	default:
		return fmt.Sprintf("STATUS_%d", int32(c))
	}
}

// UserStatus is the presence of an identity.
type UserStatus int32

const (
	StatusOnline UserStatus = iota
	StatusBusy
	StatusOffline
)

// Valid reports whether s is one of the known presence values.
func (s UserStatus) Valid() bool {
	return s >= StatusOnline && s <= StatusOffline
}

func (s UserStatus) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusBusy:
		return "busy"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MessageKind distinguishes a broadcast delivery from a directed one.
type MessageKind int32

const (
	KindBroadcast MessageKind = iota
	KindDirect
)

func (k MessageKind) String() string {
	if k == KindDirect {
		return "direct"
	}
	return "broadcast"
}

// UserListType says whether a roster reply covers everyone or one user.
type UserListType int32

const (
	ListAll UserListType = iota
	ListSingle
)

type RegisterUser struct {
	Username string
}

type SendMessage struct {
	Content   string
	Recipient string
}

type GetUsers struct {
	Username string
}

type UpdateStatus struct {
	NewStatus UserStatus
}

// Request is one client-to-server message. At most one payload field is set,
// matching Operation; UNREGISTER_USER carries none.
type Request struct {
	Operation    Operation
	RegisterUser *RegisterUser
	SendMessage  *SendMessage
	GetUsers     *GetUsers
	UpdateStatus *UpdateStatus
}

type User struct {
	Username string
	Status   UserStatus
}

type UserList struct {
	Type  UserListType
	Users []User
}

type IncomingMessage struct {
	Sender  string
	Content string
	Kind    MessageKind
}

// Response is one server-to-client message.
type Response struct {
	Operation       Operation
	StatusCode      StatusCode
	Message         string
	UserList        *UserList
	IncomingMessage *IncomingMessage
}

// OK builds a successful reply for op.
func OK(op Operation, message string) *Response {
	return &Response{Operation: op, StatusCode: StatusOK, Message: message}
}

// BadRequest builds an application-error reply for op.
func BadRequest(op Operation, message string) *Response {
	return &Response{Operation: op, StatusCode: StatusBadRequest, Message: message}
}

// InternalError builds an internal-error reply for op.
func InternalError(op Operation, message string) *Response {
	return &Response{Operation: op, StatusCode: StatusInternalServerError, Message: message}
}

// Incoming wraps a delivered chat message as an asynchronous push.
func Incoming(msg IncomingMessage) *Response {
	return &Response{
		Operation:       OpIncomingMessage,
		StatusCode:      StatusOK,
		IncomingMessage: &msg,
	}
}
