package protocol

import (
	"errors"
	"fmt"

	"github.com/orneryd/nornicdb-driver/pkg/packstream"
)

// ErrMalformed is returned for messages that do not match their signature's
// field layout.
var ErrMalformed = errors.New("protocol: malformed message")

// Message is an immutable, wire-ready message without its stream id.
//
// The fields are PackStream-encoded once by NewMessage; AppendTo only adds
// the structure header and the stream id, so a message can be sent many
// times without re-encoding.
type Message struct {
	signature byte
	fields    []any
	body      []byte
}

// NewMessage encodes fields into a message. Fields must be PackStream
// encodable.
func NewMessage(signature byte, fields ...any) (Message, error) {
	if len(fields)+1 > 15 {
		return Message{}, fmt.Errorf("protocol: message 0x%02X has too many fields", signature)
	}
	var body []byte
	var err error
	for i, f := range fields {
		if body, err = packstream.AppendValue(body, f); err != nil {
			return Message{}, fmt.Errorf("protocol: message 0x%02X field %d: %w", signature, i, err)
		}
	}
	return Message{signature: signature, fields: fields, body: body}, nil
}

// Signature returns the message type.
func (m Message) Signature() byte { return m.signature }

// Fields returns the message fields. Callers must not modify them.
func (m Message) Fields() []any { return m.fields }

// IsZero reports whether m was never built.
func (m Message) IsZero() bool { return m.signature == 0 && m.body == nil }

// Size returns the encoded size of the fields.
func (m Message) Size() int { return len(m.body) }

// AppendTo appends the full structure, stream id first, to buf.
func (m Message) AppendTo(buf []byte, stream int64) []byte {
	buf = append(buf, byte(0xB0+len(m.fields)+1), m.signature)
	buf = packstream.AppendInt(buf, stream)
	return append(buf, m.body...)
}

// Envelope is a decoded message.
type Envelope struct {
	Signature byte
	Stream    int64
	Fields    []any
}

// DecodeEnvelope decodes one complete message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	v, err := packstream.Decode(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s, ok := v.(packstream.Structure)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: not a structure", ErrMalformed)
	}
	if len(s.Fields) == 0 {
		return Envelope{}, fmt.Errorf("%w: message 0x%02X has no stream id", ErrMalformed, s.Signature)
	}
	stream, ok := s.Fields[0].(int64)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: message 0x%02X stream id is %T", ErrMalformed, s.Signature, s.Fields[0])
	}
	return Envelope{Signature: s.Signature, Stream: stream, Fields: s.Fields[1:]}, nil
}

// field returns the i-th field converted to T.
func field[T any](env Envelope, i int, name string) (T, error) {
	var zero T
	if i >= len(env.Fields) {
		return zero, fmt.Errorf("%w: message 0x%02X missing %s", ErrMalformed, env.Signature, name)
	}
	v, ok := env.Fields[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: message 0x%02X %s is %T", ErrMalformed, env.Signature, name, env.Fields[i])
	}
	return v, nil
}
