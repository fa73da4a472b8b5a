package wire

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payloads use the protobuf wire format with proto3 semantics: scalar fields
// equal to their zero value are omitted, embedded messages are written
// whenever the pointer is non-nil so that an empty payload is still present.

const (
	reqOperation    protowire.Number = 1
	reqRegisterUser protowire.Number = 2
	reqSendMessage  protowire.Number = 3
	reqGetUsers     protowire.Number = 4
	reqUpdateStatus protowire.Number = 5

	respOperation       protowire.Number = 1
	respStatusCode      protowire.Number = 2
	respMessage         protowire.Number = 3
	respUserList        protowire.Number = 4
	respIncomingMessage protowire.Number = 5
)

// MarshalRequest encodes r into its payload bytes.
func MarshalRequest(r *Request) []byte {
	var b []byte
	b = appendEnum(b, reqOperation, int32(r.Operation))
	if p := r.RegisterUser; p != nil {
		b = appendMessage(b, reqRegisterUser, appendString(nil, 1, p.Username))
	}
	if p := r.SendMessage; p != nil {
		var m []byte
		m = appendString(m, 1, p.Content)
		m = appendString(m, 2, p.Recipient)
		b = appendMessage(b, reqSendMessage, m)
	}
	if p := r.GetUsers; p != nil {
		b = appendMessage(b, reqGetUsers, appendString(nil, 1, p.Username))
	}
	if p := r.UpdateStatus; p != nil {
		b = appendMessage(b, reqUpdateStatus, appendEnum(nil, 1, int32(p.NewStatus)))
	}
	return b
}

// UnmarshalRequest decodes payload bytes into a Request. Unknown fields are
// skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	r := &Request{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqOperation:
			v, n, err := consumeEnum(typ, b)
			r.Operation = Operation(v)
			return n, err
		case reqRegisterUser:
			r.RegisterUser = &RegisterUser{}
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 1 {
					return consumeString(typ, b, &r.RegisterUser.Username)
				}
				return 0, nil
			})
		case reqSendMessage:
			r.SendMessage = &SendMessage{}
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(typ, b, &r.SendMessage.Content)
				case 2:
					return consumeString(typ, b, &r.SendMessage.Recipient)
				}
				return 0, nil
			})
		case reqGetUsers:
			r.GetUsers = &GetUsers{}
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 1 {
					return consumeString(typ, b, &r.GetUsers.Username)
				}
				return 0, nil
			})
		case reqUpdateStatus:
			r.UpdateStatus = &UpdateStatus{}
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == 1 {
					v, n, err := consumeEnum(typ, b)
					r.UpdateStatus.NewStatus = UserStatus(v)
					return n, err
				}
				return 0, nil
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarshalResponse encodes r into its payload bytes.
func MarshalResponse(r *Response) []byte {
	var b []byte
	b = appendEnum(b, respOperation, int32(r.Operation))
	b = appendEnum(b, respStatusCode, int32(r.StatusCode))
	b = appendString(b, respMessage, r.Message)
	if l := r.UserList; l != nil {
		var m []byte
		m = appendEnum(m, 1, int32(l.Type))
		for _, u := range l.Users {
			var um []byte
			um = appendString(um, 1, u.Username)
			um = appendEnum(um, 2, int32(u.Status))
			m = appendMessage(m, 2, um)
		}
		b = appendMessage(b, respUserList, m)
	}
	if in := r.IncomingMessage; in != nil {
		var m []byte
		m = appendString(m, 1, in.Sender)
		m = appendString(m, 2, in.Content)
		m = appendEnum(m, 3, int32(in.Kind))
		b = appendMessage(b, respIncomingMessage, m)
	}
	return b
}

// UnmarshalResponse decodes payload bytes into a Response.
func UnmarshalResponse(b []byte) (*Response, error) {
	r := &Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respOperation:
			v, n, err := consumeEnum(typ, b)
			r.Operation = Operation(v)
			return n, err
		case respStatusCode:
			v, n, err := consumeEnum(typ, b)
			r.StatusCode = StatusCode(v)
			return n, err
		case respMessage:
			return consumeString(typ, b, &r.Message)
		case respUserList:
			r.UserList = &UserList{}
			return consumeMessage(typ, b, r.UserList.field)
		case respIncomingMessage:
			r.IncomingMessage = &IncomingMessage{}
			return consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					return consumeString(typ, b, &r.IncomingMessage.Sender)
				case 2:
					return consumeString(typ, b, &r.IncomingMessage.Content)
				case 3:
					v, n, err := consumeEnum(typ, b)
					r.IncomingMessage.Kind = MessageKind(v)
					return n, err
				}
				return 0, nil
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (l *UserList) field(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		v, n, err := consumeEnum(typ, b)
		l.Type = UserListType(v)
		return n, err
	case 2:
		var u User
		n, err := consumeMessage(typ, b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &u.Username)
			case 2:
				v, n, err := consumeEnum(typ, b)
				u.Status = UserStatus(v)
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		l.Users = append(l.Users, u)
		return n, nil
	}
	return 0, nil
}

// fieldFunc handles one field whose tag has already been consumed. It returns
// the number of value bytes it consumed, or 0 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
		}
		b = b[m:]
	}
	return nil
}

func appendEnum(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func consumeEnum(typ protowire.Type, b []byte) (int32, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int32(v), n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if !utf8.ValidString(v) {
		return 0, fmt.Errorf("string is not valid UTF-8")
	}
	*dst = v
	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, fn fieldFunc) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := walk(v, fn); err != nil {
		return 0, err
	}
	return n, nil
}
