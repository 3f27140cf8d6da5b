package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindScalar Kind = iota
	KindList
	KindError
	// KindHandle is the placeholder sent in place of a value that must not cross the boundary, such as a Connection.
	KindHandle
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindError:
		return "error"
	case KindHandle:
		return "handle"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Value is the wire representation of one application value.
type Value struct {
	Kind   Kind
	Scalar any
	List   []Value
	Err    *RemoteError
}

const errorTag = "error"

type wireError struct {
	Tag     string `json:"_pc"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindList:
		list := v.List
		if list == nil {
			list = []Value{}
		}
		return json.Marshal(list)
	case KindError:
		e := wireError{Tag: errorTag}
		if v.Err != nil {
			e.Message = v.Err.Message
			e.Code = v.Err.Code
		}
		return json.Marshal(e)
	case KindHandle:
		return []byte("null"), nil
	default:
		return json.Marshal(v.Scalar)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '[':
			var list []Value
			if err := json.Unmarshal(b, &list); err != nil {
				return err
			}
			*v = Value{Kind: KindList, List: list}
			return nil
		case '{':
			var e wireError
			if err := json.Unmarshal(b, &e); err == nil && e.Tag == errorTag {
				*v = Value{Kind: KindError, Err: &RemoteError{Message: e.Message, Code: e.Code}}
				return nil
			}
		}
	}
	var s any
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*v = Value{Kind: KindScalar, Scalar: s}
	return nil
}

// RemoteError is an error reconstructed from the wire. Only the message and the optional code cross
// the boundary, never a stack trace.
type RemoteError struct {
	Message string
	Code    string
}

// NewError returns an error that keeps its code when sent to the remote.
func NewError(code, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *RemoteError) ErrorCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// coder is implemented by errors that carry a code worth transmitting.
type coder interface {
	ErrorCode() string
}

type serializer struct {
	log   *zap.SugaredLogger
	debug bool
}

var plainSerializer = serializer{log: zap.NewNop().Sugar()}

// Serialize converts v to its wire representation.
func Serialize(v any) Value { return plainSerializer.serialize(v) }

// Unserialize converts a wire value back into an application value.
func Unserialize(v Value) any { return plainSerializer.unserialize(v) }

func (s serializer) serialize(v any) Value {
	switch x := v.(type) {
	case nil:
		return Value{Kind: KindScalar}
	case Value:
		return x
	case *Connection:
		if s.debug {
			s.log.Debug("refusing to transmit Connection object")
		}
		return Value{Kind: KindHandle}
	case error:
		if s.debug {
			s.log.Debugw("transmitting error", "Error", fmt.Sprintf("%+v", x))
		}
		return Value{Kind: KindError, Err: toRemoteError(x)}
	case []byte:
		return Value{Kind: KindScalar, Scalar: x}
	case []any:
		return Value{Kind: KindList, List: s.serializeList(x)}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		list := make([]Value, rv.Len())
		for i := range list {
			list[i] = s.serialize(rv.Index(i).Interface())
		}
		return Value{Kind: KindList, List: list}
	}
	return Value{Kind: KindScalar, Scalar: v}
}

func (s serializer) serializeList(vs []any) []Value {
	list := make([]Value, len(vs))
	for i, v := range vs {
		list[i] = s.serialize(v)
	}
	return list
}

func (s serializer) unserialize(v Value) any {
	switch v.Kind {
	case KindList:
		return s.unserializeList(v.List)
	case KindError:
		if v.Err == nil {
			return &RemoteError{}
		}
		return &RemoteError{Message: v.Err.Message, Code: v.Err.Code}
	case KindHandle:
		return nil
	default:
		return v.Scalar
	}
}

func (s serializer) unserializeList(vs []Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = s.unserialize(v)
	}
	return out
}

func toRemoteError(err error) *RemoteError {
	re := &RemoteError{Message: err.Error()}
	var c coder
	if errors.As(err, &c) {
		re.Code = c.ErrorCode()
	}
	return re
}

// asError turns a rejection value into an error. Peers are expected to reject with errors,
// but anything else is wrapped rather than lost.
func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return &RemoteError{Message: fmt.Sprint(v)}
}
