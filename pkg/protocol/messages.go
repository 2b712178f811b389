package protocol

import (
	"errors"
	"fmt"
	"maps"
)

// Option keys of a CONTINUOUS_QUERY options map.
const (
	OptSubProtocol      = "sub_protocol"
	OptPageSize         = "page_size"
	OptMaxPages         = "max_pages"
	OptMaxEnqueuedPages = "max_enqueued_pages"
	OptTracing          = "tracing"
	OptGraphName        = "graph_name"
	OptTraversalSource  = "traversal_source"
	OptRoutingKey       = "routing_key"
	OptPayload          = "payload"
)

// ContinuousQuery is the content of a CONTINUOUS_QUERY message.
type ContinuousQuery struct {
	Query  string
	Params map[string]any

	SubProtocol      string
	PageSize         int
	MaxPages         int
	MaxEnqueuedPages int
	Tracing          bool
	GraphName        string
	TraversalSource  string
	RoutingKey       []byte
	Payload          map[string][]byte
}

// Validate checks the paging options.
func (q ContinuousQuery) Validate() error {
	switch {
	case q.SubProtocol == "":
		return errors.New("sub-protocol is required")
	case q.PageSize < 0:
		return fmt.Errorf("page size must not be negative, got %d", q.PageSize)
	case q.MaxPages < 0:
		return fmt.Errorf("max pages must not be negative, got %d", q.MaxPages)
	case q.MaxEnqueuedPages <= 0:
		return fmt.Errorf("max enqueued pages must be positive, got %d", q.MaxEnqueuedPages)
	}
	return nil
}

// Message validates q and encodes it.
func (q ContinuousQuery) Message() (Message, error) {
	if err := q.Validate(); err != nil {
		return Message{}, err
	}
	opts := map[string]any{
		OptSubProtocol:      q.SubProtocol,
		OptPageSize:         int64(q.PageSize),
		OptMaxPages:         int64(q.MaxPages),
		OptMaxEnqueuedPages: int64(q.MaxEnqueuedPages),
		OptTracing:          q.Tracing,
	}
	if q.GraphName != "" {
		opts[OptGraphName] = q.GraphName
	}
	if q.TraversalSource != "" {
		opts[OptTraversalSource] = q.TraversalSource
	}
	if len(q.RoutingKey) > 0 {
		opts[OptRoutingKey] = q.RoutingKey
	}
	if len(q.Payload) > 0 {
		opts[OptPayload] = q.Payload
	}
	params := q.Params
	if params == nil {
		params = map[string]any{}
	}
	return NewMessage(MsgContinuousQuery, q.Query, maps.Clone(params), opts)
}

// ParseContinuousQuery reads a CONTINUOUS_QUERY envelope.
func ParseContinuousQuery(env Envelope) (ContinuousQuery, error) {
	var q ContinuousQuery
	if env.Signature != MsgContinuousQuery {
		return q, fmt.Errorf("%w: expected CONTINUOUS_QUERY, got 0x%02X", ErrMalformed, env.Signature)
	}
	var err error
	if q.Query, err = field[string](env, 0, "query"); err != nil {
		return q, err
	}
	if q.Params, err = field[map[string]any](env, 1, "params"); err != nil {
		return q, err
	}
	opts, err := field[map[string]any](env, 2, "options")
	if err != nil {
		return q, err
	}

	q.SubProtocol, _ = opts[OptSubProtocol].(string)
	q.PageSize = intOption(opts, OptPageSize)
	q.MaxPages = intOption(opts, OptMaxPages)
	q.MaxEnqueuedPages = intOption(opts, OptMaxEnqueuedPages)
	q.Tracing, _ = opts[OptTracing].(bool)
	q.GraphName, _ = opts[OptGraphName].(string)
	q.TraversalSource, _ = opts[OptTraversalSource].(string)
	q.RoutingKey, _ = opts[OptRoutingKey].([]byte)
	if raw, ok := opts[OptPayload].(map[string]any); ok {
		q.Payload = make(map[string][]byte, len(raw))
		for k, v := range raw {
			if b, ok := v.([]byte); ok {
				q.Payload[k] = b
			}
		}
	}
	if err := q.Validate(); err != nil {
		return q, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return q, nil
}

func intOption(opts map[string]any, key string) int {
	if v, ok := opts[key].(int64); ok {
		return int(v)
	}
	return 0
}

// Hello builds the HELLO message.
func Hello(userAgent, username, password string) (Message, error) {
	return NewMessage(MsgHello, map[string]any{
		"user_agent":  userAgent,
		"scheme":      "basic",
		"principal":   username,
		"credentials": password,
	})
}

// ParseHello returns the HELLO auth map.
func ParseHello(env Envelope) (map[string]any, error) {
	if env.Signature != MsgHello {
		return nil, fmt.Errorf("%w: expected HELLO, got 0x%02X", ErrMalformed, env.Signature)
	}
	return field[map[string]any](env, 0, "auth")
}

// Goodbye builds the GOODBYE message.
func Goodbye() Message {
	m, _ := NewMessage(MsgGoodbye)
	return m
}

// Revise builds a REVISE message granting n pages of credit.
func Revise(n int) Message {
	m, _ := NewMessage(MsgRevise, int64(n))
	return m
}

// ParseRevise returns the credit granted by a REVISE envelope.
func ParseRevise(env Envelope) (int, error) {
	n, err := field[int64](env, 0, "pages")
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: REVISE pages must be positive, got %d", ErrMalformed, n)
	}
	return int(n), nil
}

// Cancel builds a CANCEL message.
func Cancel() Message {
	m, _ := NewMessage(MsgCancel)
	return m
}

// Success builds a SUCCESS message.
func Success(meta map[string]any) (Message, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return NewMessage(MsgSuccess, meta)
}

// Failure builds a FAILURE message.
func Failure(code, message string) Message {
	m, _ := NewMessage(MsgFailure, code, message)
	return m
}

// ParseFailure converts a FAILURE envelope into a NodeError.
func ParseFailure(node string, env Envelope) *NodeError {
	code, _ := field[string](env, 0, "code")
	msg, _ := field[string](env, 1, "message")
	if code == "" {
		code = CodeQueryFailed
	}
	return &NodeError{Node: node, Code: code, Message: msg}
}

// Page builds a PAGE message. rows holds one slice of column buffers per row.
func Page(meta PageMetadata, rows [][][]byte) (Message, error) {
	wireRows := make([]any, len(rows))
	for i, row := range rows {
		wireRows[i] = row
	}
	m := map[string]any{}
	if len(meta.Warnings) > 0 {
		m["warnings"] = meta.Warnings
	}
	if meta.TracingID != "" {
		m["tracing_id"] = meta.TracingID
	}
	return NewMessage(MsgPage, int64(meta.Number), meta.Last, wireRows, m)
}

// ParsePage reads a PAGE envelope.
func ParsePage(env Envelope) (PageMetadata, [][][]byte, error) {
	var meta PageMetadata
	if env.Signature != MsgPage {
		return meta, nil, fmt.Errorf("%w: expected PAGE, got 0x%02X", ErrMalformed, env.Signature)
	}
	number, err := field[int64](env, 0, "number")
	if err != nil {
		return meta, nil, err
	}
	last, err := field[bool](env, 1, "last")
	if err != nil {
		return meta, nil, err
	}
	wireRows, err := field[[]any](env, 2, "rows")
	if err != nil {
		return meta, nil, err
	}
	meta.Number = int(number)
	meta.Last = last

	rows := make([][][]byte, len(wireRows))
	for i, wr := range wireRows {
		cols, ok := wr.([]any)
		if !ok {
			return meta, nil, fmt.Errorf("%w: page %d row %d is %T", ErrMalformed, number, i, wr)
		}
		row := make([][]byte, len(cols))
		for j, c := range cols {
			switch b := c.(type) {
			case []byte:
				row[j] = b
			case nil:
			default:
				return meta, nil, fmt.Errorf("%w: page %d row %d column %d is %T", ErrMalformed, number, i, j, c)
			}
		}
		rows[i] = row
	}

	if len(env.Fields) < 4 {
		return meta, rows, nil
	}
	if m, ok := env.Fields[3].(map[string]any); ok {
		if ws, ok := m["warnings"].([]any); ok {
			for _, w := range ws {
				if s, ok := w.(string); ok {
					meta.Warnings = append(meta.Warnings, s)
				}
			}
		}
		meta.TracingID, _ = m["tracing_id"].(string)
	}
	return meta, rows, nil
}
