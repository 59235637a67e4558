package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport captures delivered nodes in order
type recordingTransport struct {
	mu    sync.Mutex
	nodes []Node
	fail  bool
}

func (t *recordingTransport) Send(node Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return errors.New("client gone")
	}
	t.nodes = append(t.nodes, node)
	return nil
}

func (t *recordingTransport) delivered() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Node(nil), t.nodes...)
}

func TestSink_DeliversInProductionOrder(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport)

	nodes := make(chan Node)
	go func() {
		nodes <- TextDelta("hello ")
		nodes <- TextDelta("world")
		nodes <- ToolCallRequest("tc1", "browser_click", map[string]any{"ref": "e5"})
		nodes <- ToolCallResult("tc1", "browser_click", "clicked", false)
		nodes <- Done(&Usage{InputTokens: 10, OutputTokens: 20})
		close(nodes)
	}()

	require.NoError(t, sink.Run(context.Background(), nodes))

	got := transport.delivered()
	require.Len(t, got, 5)
	assert.Equal(t, NodeTextDelta, got[0].Type)
	assert.Equal(t, "hello ", got[0].Text)
	assert.Equal(t, NodeToolCallRequest, got[2].Type)
	assert.Equal(t, NodeDone, got[4].Type)

	for i, node := range got {
		assert.Equal(t, i, node.Seq)
	}
	assert.Equal(t, 5, sink.Delivered())
}

// slowTransport proves the producer cannot run ahead of delivery: the
// second send must not begin until the first has been flushed.
type slowTransport struct {
	mu       sync.Mutex
	flushed  []time.Time
	perFlush time.Duration
}

func (t *slowTransport) Send(node Node) error {
	time.Sleep(t.perFlush)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed = append(t.flushed, time.Now())
	return nil
}

func TestSink_BackpressuresProducer(t *testing.T) {
	transport := &slowTransport{perFlush: 50 * time.Millisecond}
	sink := NewSink(transport)

	nodes := make(chan Node)
	var produced []time.Time
	var mu sync.Mutex

	go func() {
		for i := 0; i < 3; i++ {
			nodes <- TextDelta("x")
			mu.Lock()
			produced = append(produced, time.Now())
			mu.Unlock()
		}
		close(nodes)
	}()

	require.NoError(t, sink.Run(context.Background(), nodes))

	mu.Lock()
	defer mu.Unlock()
	transport.mu.Lock()
	defer transport.mu.Unlock()

	// The producer's send of node n+1 returns only after node n was
	// accepted by the sink, which happens after node n-1 flushed.
	require.Len(t, produced, 3)
	require.Len(t, transport.flushed, 3)
	assert.True(t, produced[2].After(transport.flushed[0]),
		"third node was produced before the first was flushed")
}

func TestSink_TransportFailureDrainsProducer(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport)

	nodes := make(chan Node)
	producerDone := make(chan struct{})

	go func() {
		defer close(producerDone)
		nodes <- TextDelta("one")
		// Fail the transport before the next node
		transport.mu.Lock()
		transport.fail = true
		transport.mu.Unlock()
		// These sends must not block even though delivery stopped
		nodes <- TextDelta("two")
		nodes <- ToolCallResult("tc1", "browser_click", "clicked", false)
		nodes <- ErrorNode("client_disconnected", "client went away")
		close(nodes)
	}()

	err := sink.Run(context.Background(), nodes)
	require.Error(t, err)

	select {
	case <-producerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after transport failure")
	}

	assert.Equal(t, 1, sink.Delivered())
}

func TestSink_StopsAfterTerminalNode(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport)

	nodes := make(chan Node)
	go func() {
		nodes <- TextDelta("partial")
		nodes <- ErrorNode("provider_error", "upstream failed")
		close(nodes)
	}()

	require.NoError(t, sink.Run(context.Background(), nodes))

	got := transport.delivered()
	require.Len(t, got, 2)
	assert.True(t, got[1].IsTerminal())
}

func TestSink_ContinuesPastRecoverableError(t *testing.T) {
	transport := &recordingTransport{}
	sink := NewSink(transport)

	nodes := make(chan Node)
	go func() {
		nodes <- ToolCallResult("tc1", "browser_click", "element not found", true)
		nodes <- RecoverableErrorNode("tool_error", "element not found")
		nodes <- TextDelta("Trying another element.")
		nodes <- Done(nil)
		close(nodes)
	}()

	require.NoError(t, sink.Run(context.Background(), nodes))

	got := transport.delivered()
	require.Len(t, got, 4)
	assert.Equal(t, NodeError, got[1].Type)
	assert.False(t, got[1].Error.Terminal)
	assert.Equal(t, NodeDone, got[3].Type)
}

func TestNode_IsTerminal(t *testing.T) {
	assert.False(t, TextDelta("x").IsTerminal())
	assert.False(t, ToolCallRequest("id", "name", nil).IsTerminal())
	assert.False(t, ImageArtifact("ref", "image/png", "").IsTerminal())
	assert.False(t, RecoverableErrorNode("code", "msg").IsTerminal())
	assert.True(t, ErrorNode("code", "msg").IsTerminal())
	assert.True(t, Done(nil).IsTerminal())
}
