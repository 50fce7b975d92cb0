package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/retracehq/retrace/ai/openrouter"
	"github.com/retracehq/retrace/trace"
)

const reasoningSystemPrompt = "You explain individual pipeline steps. " +
	"Given a step's name, input, and output, reply with one or two plain " +
	"sentences describing why the step produced that output. " +
	"No markdown, no JSON, no preamble."

// explainWithModel runs the language-model tier under the chain's timeout.
func (c *Chain) explainWithModel(ctx context.Context, step *trace.Step) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openrouter.ChatRequest{
		SystemPrompt: reasoningSystemPrompt,
		UserPrompt:   buildPrompt(step, c.cfg.MaxFieldBytes),
	}
	if c.cfg.Model != "" {
		req.Model = &c.cfg.Model
	}

	resp, err := c.ai.Chat(ctx, req)
	if err != nil {
		return "", err
	}

	return cleanResponse(resp.Content), nil
}

// buildPrompt renders a compact prompt: step name, duration, and the
// JSON-serialized payloads with oversized fields truncated.
func buildPrompt(step *trace.Step, maxFieldBytes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step: %s\n", step.Name)
	fmt.Fprintf(&b, "Duration: %dms\n", step.DurationMs)
	fmt.Fprintf(&b, "Input: %s\n", compactJSON(step.Input, maxFieldBytes))
	fmt.Fprintf(&b, "Output: %s\n", compactJSON(step.Output, maxFieldBytes))
	b.WriteString("Explain in one or two sentences why this step produced this output.")
	return b.String()
}

// compactJSON renders a payload for prompt embedding, truncating oversized
// fields so one huge step can't blow the context window.
func compactJSON(payload map[string]interface{}, maxBytes int) string {
	if len(payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "(unserializable)"
	}
	if len(data) > maxBytes {
		return string(data[:maxBytes]) + "... (truncated)"
	}
	return string(data)
}

// cleanResponse normalizes raw model output. Models often echo the label
// they were asked for or wrap the answer in code fences; both are
// stripped. A response that still looks like truncated JSON is discarded
// entirely: malformed text is worse than falling through to the generic
// tier.
func cleanResponse(raw string) string {
	text := strings.TrimSpace(raw)

	for _, label := range []string{"Reasoning:", "reasoning:"} {
		if strings.HasPrefix(text, label) {
			text = strings.TrimSpace(strings.TrimPrefix(text, label))
			break
		}
	}

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	if strings.HasPrefix(text, "{") && !strings.HasSuffix(text, "}") {
		return ""
	}

	return text
}
