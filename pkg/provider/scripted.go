package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ScriptedProvider replays pre-recorded response scripts. It exists
// for tests and offline development: each call to Stream consumes the
// next script in order.
type ScriptedProvider struct {
	mu       sync.Mutex
	scripts  []Script
	next     int
	requests []Request
}

// Script is one scripted model response
type Script struct {
	Steps []Step
	// Err, when set, is returned instead of the step at the same index
	// (or at the end if the index is past the steps)
	Err     error
	ErrAt   int
	FailAll bool // Stream itself fails
}

// NewScriptedProvider creates a provider that replays the given scripts
func NewScriptedProvider(scripts ...Script) *ScriptedProvider {
	return &ScriptedProvider{scripts: scripts}
}

// Name returns the provider name
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

// Requests returns a copy of every request seen so far
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Stream replays the next script
func (p *ScriptedProvider) Stream(ctx context.Context, request Request) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, request)

	if p.next >= len(p.scripts) {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(p.scripts))
	}
	script := p.scripts[p.next]
	p.next++

	if script.FailAll {
		return nil, script.Err
	}
	return &scriptedStream{script: script}, nil
}

type scriptedStream struct {
	script Script
	pos    int
	closed bool
}

func (s *scriptedStream) Next(ctx context.Context) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	if s.closed {
		return Step{}, io.EOF
	}
	if s.script.Err != nil && s.pos == s.script.ErrAt {
		s.closed = true
		return Step{}, s.script.Err
	}
	if s.pos >= len(s.script.Steps) {
		s.closed = true
		return Step{}, io.EOF
	}
	step := s.script.Steps[s.pos]
	s.pos++
	if step.Type == StepDone {
		s.closed = true
	}
	return step, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// TextScript builds a script that streams text and finishes
func TextScript(chunks ...string) Script {
	steps := make([]Step, 0, len(chunks)+1)
	for _, c := range chunks {
		steps = append(steps, Step{Type: StepTextDelta, Text: c})
	}
	steps = append(steps, Step{Type: StepDone, Usage: &TokenUsage{InputTokens: 1, OutputTokens: len(chunks)}})
	return Script{Steps: steps, ErrAt: -1}
}

// ToolScript builds a script that requests the given tool calls then
// finishes
func ToolScript(calls ...ToolCall) Script {
	steps := make([]Step, 0, len(calls)+1)
	for i := range calls {
		steps = append(steps, Step{Type: StepToolCall, ToolCall: &calls[i]})
	}
	steps = append(steps, Step{Type: StepDone, Usage: &TokenUsage{InputTokens: 1, OutputTokens: 1}})
	return Script{Steps: steps, ErrAt: -1}
}
