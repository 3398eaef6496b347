// Package core defines the provider-call capability the retry engine depends
// on. The engine is provider-agnostic: bindings translate Request into their
// own wire format and hand back a Response or a stream of chunks.
package core

import (
	"context"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is the uniform request shape handed to a provider binding. The
// schema definition travels as opaque metadata; how a binding turns it into
// a tool call or a response format is its own concern.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Metadata    map[string]interface{}
}

// Clone returns a deep copy whose message slice can be appended to without
// affecting the original.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Response is a completed provider call. RawUsage carries the binding's
// native usage payload; pkg/usage normalizes it.
type Response struct {
	Content  string
	RawUsage interface{}
	Metadata map[string]interface{}
}

// StreamChunk is one fragment of a streamed response.
type StreamChunk struct {
	Content  string
	Done     bool
	Err      error
	RawUsage interface{} // usually only set on the final chunk
}

// StreamResponse encapsulates a streaming provider call.
type StreamResponse struct {
	Chunks <-chan StreamChunk
	Cancel func()
}

// ProviderClient is the provider-call capability consumed by the retry
// engine. Timeouts are the binding's responsibility; the engine treats a
// timeout like any other request failure.
type ProviderClient interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
	InvokeStream(ctx context.Context, req *Request) (*StreamResponse, error)
}
