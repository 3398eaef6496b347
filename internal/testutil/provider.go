// Package testutil provides scripted provider stubs for engine tests.
package testutil

import (
	"context"
	"sync"

	"github.com/instructor-ai/instructor-sub002/pkg/core"
)

// Turn is one scripted provider exchange: either a response or an error.
type Turn struct {
	Content  string
	RawUsage interface{}
	Err      error

	// Fragments, when set, is the chunking used by InvokeStream instead of
	// a single Content chunk.
	Fragments []string
}

// ScriptedClient replays a fixed sequence of turns and records every request
// it receives. Calling past the end of the script panics, so tests catch
// extra provider calls instead of silently looping.
type ScriptedClient struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	Requests []*core.Request
}

var _ core.ProviderClient = (*ScriptedClient)(nil)

// NewScriptedClient builds a client that replays turns in order.
func NewScriptedClient(turns ...Turn) *ScriptedClient {
	return &ScriptedClient{turns: turns}
}

// Calls reports how many provider calls were made.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *ScriptedClient) take(req *core.Request) Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.turns) {
		panic("testutil: provider called past the end of its script")
	}
	c.Requests = append(c.Requests, req.Clone())
	turn := c.turns[c.next]
	c.next++
	return turn
}

// Invoke replays the next scripted turn.
func (c *ScriptedClient) Invoke(ctx context.Context, req *core.Request) (*core.Response, error) {
	turn := c.take(req)
	if turn.Err != nil {
		return nil, turn.Err
	}
	return &core.Response{Content: turn.Content, RawUsage: turn.RawUsage}, nil
}

// InvokeStream replays the next scripted turn as a chunk stream. Fragments
// are emitted one chunk each; usage rides on the final chunk.
func (c *ScriptedClient) InvokeStream(ctx context.Context, req *core.Request) (*core.StreamResponse, error) {
	turn := c.take(req)
	if turn.Err != nil && len(turn.Fragments) == 0 && turn.Content == "" {
		return nil, turn.Err
	}

	fragments := turn.Fragments
	if len(fragments) == 0 && turn.Content != "" {
		fragments = []string{turn.Content}
	}

	ch := make(chan core.StreamChunk, len(fragments)+1)
	for _, f := range fragments {
		ch <- core.StreamChunk{Content: f}
	}
	if turn.Err != nil {
		ch <- core.StreamChunk{Err: turn.Err}
	} else {
		ch <- core.StreamChunk{Done: true, RawUsage: turn.RawUsage}
	}
	close(ch)

	return &core.StreamResponse{Chunks: ch, Cancel: func() {}}, nil
}
