package subagent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

// ToolRunner is the slice of the tool server pool that sub-agents use
type ToolRunner interface {
	Call(ctx context.Context, tool string, args map[string]any) (*toolserver.Result, error)
	Definitions() []toolserver.ToolDefinition
}

// Task is a delegated unit of work
type Task struct {
	// Goal is what the sub-agent should accomplish
	Goal string

	// Context is supporting material, such as a page snapshot
	Context string

	// SessionID identifies the owning session for tracing
	SessionID string

	// Tools is the delegating session's own tool server pool
	Tools ToolRunner
}

// StepRecord is one executed tool step of a sub-agent run
type StepRecord struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args,omitempty"`
	Result  string         `json:"result,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// ArtifactRef points at a stored artifact produced during the run
type ArtifactRef struct {
	Ref      string `json:"ref"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// Outcome is a completed sub-agent run
type Outcome struct {
	Summary   string        `json:"summary"`
	Steps     []StepRecord  `json:"steps,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// Capability is a specialized sub-agent addressable by tag
type Capability interface {
	// Tag returns the capability's routing tag
	Tag() string

	// Run executes the task and returns its outcome
	Run(ctx context.Context, task Task) (*Outcome, error)
}

// Registry maps capability tags to sub-agents
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
	}
}

// Register adds a capability. Duplicate tags are an error.
func (r *Registry) Register(c Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tag := c.Tag()
	if _, exists := r.capabilities[tag]; exists {
		return fmt.Errorf("capability %s already registered", tag)
	}
	r.capabilities[tag] = c
	return nil
}

// Lookup returns the capability for tag, if registered
func (r *Registry) Lookup(tag string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[tag]
	return c, ok
}

// Tags lists registered capability tags in sorted order, so the
// delegation tools offered to the model are stable across calls
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.capabilities))
	for tag := range r.capabilities {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
