package subagent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webpilot-ai/webpilot/internal/config"
	"github.com/webpilot-ai/webpilot/internal/tracing"
)

// TagPageAnalysis routes read-only page inspection tasks
const TagPageAnalysis = "page_analysis"

// Element is one interactable element extracted from a page snapshot
type Element struct {
	Role  string
	Name  string
	Ref   string
	score int
	order int
}

// interactableRoles are the accessibility roles worth surfacing
var interactableRoles = map[string]bool{
	"button":    true,
	"link":      true,
	"textbox":   true,
	"searchbox": true,
	"combobox":  true,
	"checkbox":  true,
	"radio":     true,
	"tab":       true,
	"menuitem":  true,
	"option":    true,
	"slider":    true,
	"switch":    true,
}

// snapshotElementRe matches accessibility snapshot lines such as
//   - button "Search flights" [ref=e12]
//   - textbox [ref=e20]
var snapshotElementRe = regexp.MustCompile(`(?m)^\s*-\s+(\w+)(?:\s+"([^"]*)")?\s*\[ref=([\w-]+)\]`)

// PageAnalyzer condenses a page snapshot into the elements most
// relevant to a goal, with a screenshot of the analyzed page attached
// as an artifact. Analysis is pure and deterministic: the same
// snapshot and goal always produce the same result, and the page is
// never mutated.
type PageAnalyzer struct {
	artifacts ArtifactSaver
	cfg       config.PageAnalysisConfig
}

// NewPageAnalyzer creates the page analysis capability. The tool pool
// arrives with each task, since every session owns its own.
func NewPageAnalyzer(artifacts ArtifactSaver, cfg config.PageAnalysisConfig) *PageAnalyzer {
	return &PageAnalyzer{artifacts: artifacts, cfg: cfg}
}

// Tag returns the capability's routing tag
func (a *PageAnalyzer) Tag() string {
	return TagPageAnalysis
}

// Run analyzes the snapshot in the task context, fetching a fresh
// snapshot first when none was provided, and attaches a screenshot of
// the analyzed page. Only read-only tools are called; the page is
// never touched.
func (a *PageAnalyzer) Run(ctx context.Context, task Task) (*Outcome, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().
		Str("capability", TagPageAnalysis).
		Logger()

	snapshot := task.Context
	outcome := &Outcome{}

	if snapshot == "" {
		if task.Tools == nil {
			return nil, fmt.Errorf("page analysis has neither a snapshot nor a tool pool")
		}
		result, err := task.Tools.Call(ctx, "browser_snapshot", map[string]any{})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch page snapshot: %w", err)
		}
		if result.IsError {
			return nil, fmt.Errorf("page snapshot failed: %s", result.Text)
		}
		snapshot = result.Text
		outcome.Steps = append(outcome.Steps, StepRecord{
			Tool: "browser_snapshot", Result: "snapshot captured",
		})
	}

	elements := AnalyzeSnapshot(task.Goal, snapshot, a.cfg.MaxElements)
	logger.Debug().Int("elements", len(elements)).Msg("page analyzed")

	a.attachScreenshot(ctx, logger, task.Tools, outcome)

	outcome.Summary = FormatAnalysis(task.Goal, elements)
	return outcome, nil
}

// attachScreenshot captures the analyzed page so the caller can see
// what the elements refer to. Best effort: a failed screenshot never
// fails the analysis.
func (a *PageAnalyzer) attachScreenshot(ctx context.Context, logger zerolog.Logger, tools ToolRunner, outcome *Outcome) {
	if tools == nil || a.artifacts == nil {
		return
	}

	result, err := tools.Call(ctx, "browser_take_screenshot", map[string]any{})
	if err != nil || result.IsError {
		logger.Warn().Err(err).Msg("failed to capture analysis screenshot")
		return
	}
	outcome.Steps = append(outcome.Steps, StepRecord{
		Tool: "browser_take_screenshot", Result: "screenshot captured",
	})

	for _, img := range result.Images {
		ref, saveErr := a.artifacts.SaveBase64(img.Data, img.MimeType)
		if saveErr != nil {
			logger.Warn().Err(saveErr).Msg("failed to store analysis screenshot")
			continue
		}
		outcome.Artifacts = append(outcome.Artifacts, ArtifactRef{
			Ref: ref, MimeType: img.MimeType, Caption: "analyzed page",
		})
	}
}

// AnalyzeSnapshot extracts interactable elements from a snapshot,
// scores them against the goal, and returns at most maxElements of
// them, most relevant first. Ties keep document order.
func AnalyzeSnapshot(goal, snapshot string, maxElements int) []Element {
	tokens := goalTokens(goal)
	roleBias := goalRoleBias(goal)

	var elements []Element
	for i, match := range snapshotElementRe.FindAllStringSubmatch(snapshot, -1) {
		role, name, ref := match[1], match[2], match[3]
		if !interactableRoles[role] {
			continue
		}

		score := roleBias[role]
		lowerName := strings.ToLower(name)
		for token := range tokens {
			if strings.Contains(lowerName, token) {
				score += 2
			}
		}

		elements = append(elements, Element{
			Role: role, Name: name, Ref: ref,
			score: score, order: i,
		})
	}

	sort.SliceStable(elements, func(i, j int) bool {
		if elements[i].score != elements[j].score {
			return elements[i].score > elements[j].score
		}
		return elements[i].order < elements[j].order
	})

	if maxElements > 0 && len(elements) > maxElements {
		elements = elements[:maxElements]
	}
	return elements
}

// FormatAnalysis renders the analysis in the summary format consumed
// by the orchestrating model
func FormatAnalysis(goal string, elements []Element) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SUMMARY: %d interactable elements relevant to: %s\n", len(elements), goal)
	b.WriteString("INTERACTABLE ELEMENTS:\n")
	if len(elements) == 0 {
		b.WriteString("(none found)\n")
		return b.String()
	}
	for _, e := range elements {
		if e.Name != "" {
			fmt.Fprintf(&b, "- %s %q [ref=%s]\n", e.Role, e.Name, e.Ref)
		} else {
			fmt.Fprintf(&b, "- %s [ref=%s]\n", e.Role, e.Ref)
		}
	}
	return b.String()
}

var goalStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "on": true,
	"in": true, "of": true, "and": true, "for": true, "with": true,
	"page": true, "find": true, "go": true,
}

func goalTokens(goal string) map[string]bool {
	tokens := map[string]bool{}
	for _, field := range strings.Fields(strings.ToLower(goal)) {
		token := strings.Trim(field, `.,!?"'():;`)
		if len(token) < 2 || goalStopwords[token] {
			continue
		}
		tokens[token] = true
	}
	return tokens
}

// goalRoleBias nudges roles matching the goal's verbs
func goalRoleBias(goal string) map[string]int {
	lower := strings.ToLower(goal)
	bias := map[string]int{}
	if strings.Contains(lower, "click") || strings.Contains(lower, "press") || strings.Contains(lower, "open") || strings.Contains(lower, "submit") {
		bias["button"]++
		bias["link"]++
	}
	if strings.Contains(lower, "type") || strings.Contains(lower, "enter") || strings.Contains(lower, "fill") || strings.Contains(lower, "search") || strings.Contains(lower, "input") {
		bias["textbox"]++
		bias["searchbox"]++
		bias["combobox"]++
	}
	if strings.Contains(lower, "check") || strings.Contains(lower, "toggle") {
		bias["checkbox"]++
		bias["switch"]++
	}
	if strings.Contains(lower, "select") || strings.Contains(lower, "choose") {
		bias["option"]++
		bias["combobox"]++
		bias["radio"]++
	}
	return bias
}
