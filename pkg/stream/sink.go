package stream

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Transport delivers a single node to the client and does not return
// until the node has been written and flushed. Implementations are SSE
// responses, websocket connections, or test recorders.
type Transport interface {
	Send(node Node) error
}

// Sink consumes a turn's node sequence and delivers it over a
// transport. Nodes are delivered strictly in production order, and the
// producer is not asked for node n+1 until node n has been flushed:
// Run receives from an unbuffered channel, so the producer's send
// blocks until the sink has finished delivering the previous node.
type Sink struct {
	transport Transport
	delivered int
}

// NewSink creates a sink over the given transport
func NewSink(transport Transport) *Sink {
	return &Sink{transport: transport}
}

// Delivered returns how many nodes reached the transport
func (s *Sink) Delivered() int {
	return s.delivered
}

// Run consumes nodes until the channel closes or a terminal node is
// delivered. If the transport fails mid-sequence, Run keeps draining
// the channel without delivering so the producer never blocks, then
// returns the transport error.
func (s *Sink) Run(ctx context.Context, nodes <-chan Node) error {
	var sendErr error

	for {
		select {
		case <-ctx.Done():
			// Producer cancellation is handled upstream; keep
			// draining so the producer can finish its sequence.
			s.drain(nodes)
			if sendErr != nil {
				return sendErr
			}
			return ctx.Err()
		case node, ok := <-nodes:
			if !ok {
				return sendErr
			}
			if sendErr != nil {
				continue
			}

			node.Seq = s.delivered
			if err := s.transport.Send(node); err != nil {
				sendErr = fmt.Errorf("transport send failed: %w", err)
				log.Warn().
					Err(err).
					Str("node_type", string(node.Type)).
					Int("seq", node.Seq).
					Msg("stream transport failed, draining remaining nodes")
				continue
			}
			s.delivered++

			if node.IsTerminal() {
				s.drain(nodes)
				return nil
			}
		}
	}
}

// drain discards remaining nodes until the producer closes the channel
func (s *Sink) drain(nodes <-chan Node) {
	for range nodes {
	}
}
