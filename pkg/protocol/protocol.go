// Package protocol defines the continuous graph paging wire protocol.
//
// The protocol is a Bolt-style message exchange: a client opens a connection
// with a magic preamble and version negotiation, authenticates with HELLO,
// and then runs any number of continuous queries multiplexed by stream id.
// Every message is a PackStream structure whose first field is the stream id
// (0 for connection-level messages):
//
//	Client -> Node
//	  HELLO            {0, auth}
//	  CONTINUOUS_QUERY {stream, query, params, options}
//	  REVISE           {stream, pages}     grant more page credit
//	  CANCEL           {stream}            abandon the query
//	  GOODBYE          {0}
//
//	Node -> Client
//	  SUCCESS          {stream, metadata}
//	  PAGE             {stream, number, last, rows, metadata}
//	  FAILURE          {stream, code, message}
//
// Flow control is credit based. A query starts with max_enqueued_pages credit
// and the node sends at most that many pages until REVISE grants more. This
// is how a full client-side page queue pauses the node.
//
// Messages are split into chunks on the connection: a 2-byte big-endian
// size, the chunk bytes, and a 0x0000 terminator after the last chunk.
package protocol

import (
	"context"
	"fmt"
)

// Message signatures.
const (
	MsgHello           byte = 0x01
	MsgGoodbye         byte = 0x02
	MsgContinuousQuery byte = 0x20
	MsgRevise          byte = 0x21
	MsgCancel          byte = 0x22

	MsgSuccess byte = 0x70
	MsgPage    byte = 0x72
	MsgFailure byte = 0x7F
)

// Version is the protocol version negotiated during the handshake (1.1).
const Version uint32 = 0x00000101

// Magic is the connection preamble sent by clients.
var Magic = [4]byte{0x60, 0x60, 0xB0, 0x17}

// MaxChunkSize is the largest payload of a single chunk.
const MaxChunkSize = 0xFFFF

// Failure codes sent by nodes.
const (
	CodeUnauthorized   = "Driver.Security.Unauthorized"
	CodeInvalidRequest = "Driver.Request.Invalid"
	CodeQueryFailed    = "Driver.Query.Failed"
	CodeOverloaded     = "Driver.Node.Overloaded"
	CodeUnavailable    = "Driver.Node.Unavailable"
)

// PageMetadata describes one page of a continuous query.
type PageMetadata struct {
	// Number is the 1-based page sequence number within the stream.
	Number int
	// Last is the node's indication that no page follows.
	Last bool
	// Warnings reported by the node for this page.
	Warnings []string
	// TracingID is set when the query was sent with tracing enabled.
	TracingID string
	// Node is the address of the sending node, filled in by the transport.
	Node string
}

// NodeError is a failure reported by a node or by the connection to it.
// It is surfaced to callers unchanged.
type NodeError struct {
	Node    string
	Code    string
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %s", e.Node, e.Code, e.Message)
}

// PageReceiver consumes the asynchronous responses of one stream.
//
// OnPage is called once per PAGE in arrival order. OnError is called at
// most once and no OnPage follows it.
type PageReceiver interface {
	OnPage(rows [][][]byte, meta PageMetadata)
	OnError(err error)
}

// Stream is the client's handle on one in-flight continuous query.
type Stream interface {
	// Node returns the address of the node serving the stream.
	Node() string
	// RequestPages grants the node credit for n more pages.
	RequestPages(ctx context.Context, n int) error
	// Cancel asks the node to abandon the query. Safe to call repeatedly.
	Cancel() error
}

// Transport sends a query message and routes the responses to recv.
//
// Responses may be delivered to recv before Send returns.
type Transport interface {
	Send(ctx context.Context, msg Message, recv PageReceiver) (Stream, error)
}
