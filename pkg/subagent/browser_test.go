package subagent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/pkg/provider"
	"github.com/webpilot-ai/webpilot/pkg/toolserver"
)

type fakeSaver struct {
	saved []string
}

func (s *fakeSaver) SaveBase64(encoded, mimeType string) (string, error) {
	s.saved = append(s.saved, mimeType)
	return "ref-" + mimeType, nil
}

func browserCfg(maxSteps int) config.BrowserAgentConfig {
	return config.BrowserAgentConfig{MaxSteps: maxSteps, TimeoutSecs: 30}
}

func navigateCall() provider.ToolCall {
	return provider.ToolCall{
		ID: "tc-nav", Name: "browser_navigate",
		Arguments: map[string]any{"url": "https://example.com"},
	}
}

func clickCall() provider.ToolCall {
	return provider.ToolCall{
		ID: "tc-click", Name: "browser_click",
		Arguments: map[string]any{"ref": "e12"},
	}
}

func TestBrowserAgent_HappyPath(t *testing.T) {
	p := provider.NewScriptedProvider(
		provider.ToolScript(navigateCall()),
		provider.ToolScript(clickCall()),
		provider.TextScript("Booked the flight."),
	)
	runner := &scriptedRunner{results: map[string][]callResult{}}
	agent := NewBrowserAgent(p, nil, browserCfg(5))

	outcome, err := agent.Run(context.Background(), Task{Goal: "book a flight", Tools: runner})
	require.NoError(t, err)

	assert.Equal(t, "Booked the flight.", outcome.Summary)
	require.Len(t, outcome.Steps, 2)
	assert.Equal(t, "browser_navigate", outcome.Steps[0].Tool)
	assert.Equal(t, "browser_click", outcome.Steps[1].Tool)
	assert.Equal(t, []string{"browser_navigate", "browser_click"}, runner.calledTools())
}

func TestBrowserAgent_RespawnResumesFromLastIdempotentStep(t *testing.T) {
	p := provider.NewScriptedProvider(
		provider.ToolScript(navigateCall()),
		provider.ToolScript(clickCall()),
		provider.ToolScript(clickCall()),
		provider.TextScript("Done after restart."),
	)
	runner := &scriptedRunner{results: map[string][]callResult{
		"browser_click": {
			{err: errors.New("tool browser_click failed after 3 restarts")},
			{result: &toolserver.Result{Text: "clicked"}},
		},
	}}
	agent := NewBrowserAgent(p, nil, browserCfg(6))

	outcome, err := agent.Run(context.Background(), Task{Goal: "click the button", Tools: runner})
	require.NoError(t, err)
	assert.Equal(t, "Done after restart.", outcome.Summary)

	// The navigate was replayed between the failed and retried click
	assert.Equal(t, []string{
		"browser_navigate",
		"browser_click",
		"browser_navigate",
		"browser_click",
	}, runner.calledTools())
}

func TestBrowserAgent_SecondLossFailsTask(t *testing.T) {
	p := provider.NewScriptedProvider(
		provider.ToolScript(navigateCall()),
		provider.ToolScript(clickCall()),
		provider.ToolScript(clickCall()),
	)
	runner := &scriptedRunner{results: map[string][]callResult{
		"browser_click": {
			{err: errors.New("server lost")},
			{err: errors.New("server lost again")},
		},
	}}
	agent := NewBrowserAgent(p, nil, browserCfg(6))

	_, err := agent.Run(context.Background(), Task{Goal: "click the button", Tools: runner})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost twice")
}

func TestBrowserAgent_NonRecoverableErrorGoesToModel(t *testing.T) {
	p := provider.NewScriptedProvider(
		provider.ToolScript(clickCall()),
		provider.TextScript("Could not click that element."),
	)
	runner := &scriptedRunner{results: map[string][]callResult{
		"browser_click": {
			{err: &toolserver.CallError{Code: "invalid_arguments", Message: "ref is required", Recoverable: false}},
		},
	}}
	agent := NewBrowserAgent(p, nil, browserCfg(5))

	outcome, err := agent.Run(context.Background(), Task{Goal: "click", Tools: runner})
	require.NoError(t, err)
	require.Len(t, outcome.Steps, 1)
	assert.True(t, outcome.Steps[0].IsError)

	// No respawn happened: the click was attempted exactly once
	assert.Equal(t, []string{"browser_click"}, runner.calledTools())
}

func TestBrowserAgent_StepBudgetExceeded(t *testing.T) {
	p := provider.NewScriptedProvider(
		provider.ToolScript(navigateCall()),
		provider.ToolScript(clickCall()),
		provider.ToolScript(clickCall()),
	)
	runner := &scriptedRunner{results: map[string][]callResult{}}
	agent := NewBrowserAgent(p, nil, browserCfg(2))

	_, err := agent.Run(context.Background(), Task{Goal: "endless clicking", Tools: runner})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded 2 steps")
}

func TestBrowserAgent_RequiresToolPool(t *testing.T) {
	p := provider.NewScriptedProvider(provider.TextScript("unreachable"))
	agent := NewBrowserAgent(p, nil, browserCfg(5))

	_, err := agent.Run(context.Background(), Task{Goal: "anything"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tool pool")
}

func TestBrowserAgent_StoresScreenshotArtifacts(t *testing.T) {
	screenshot := provider.ToolCall{
		ID: "tc-shot", Name: "browser_take_screenshot", Arguments: map[string]any{},
	}
	p := provider.NewScriptedProvider(
		provider.ToolScript(screenshot),
		provider.TextScript("Here is the page."),
	)
	runner := &scriptedRunner{results: map[string][]callResult{
		"browser_take_screenshot": {
			{result: &toolserver.Result{
				Text:   "screenshot taken",
				Images: []toolserver.ImageContent{{Data: "aGVsbG8=", MimeType: "image/png"}},
			}},
		},
	}}
	saver := &fakeSaver{}
	agent := NewBrowserAgent(p, saver, browserCfg(5))

	outcome, err := agent.Run(context.Background(), Task{Goal: "screenshot the page", Tools: runner})
	require.NoError(t, err)
	require.Len(t, outcome.Artifacts, 1)
	assert.Equal(t, "ref-image/png", outcome.Artifacts[0].Ref)
	assert.Equal(t, []string{"image/png"}, saver.saved)
}

func TestBrowserAgent_OffersOnlyBrowserTools(t *testing.T) {
	p := provider.NewScriptedProvider(provider.TextScript("nothing to do"))
	runner := &scriptedRunner{
		results: map[string][]callResult{},
		defs: []toolserver.ToolDefinition{
			{Name: "browser_click", InputSchema: map[string]any{"type": "object"}},
			{Name: "calculate", InputSchema: map[string]any{"type": "object"}},
		},
	}
	agent := NewBrowserAgent(p, nil, browserCfg(5))

	_, err := agent.Run(context.Background(), Task{Goal: "noop", Tools: runner})
	require.NoError(t, err)

	reqs := p.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "browser_click", reqs[0].Tools[0].Name)
}
