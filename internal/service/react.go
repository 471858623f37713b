package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymind/relaymind/internal/domain/session"
	"github.com/relaymind/relaymind/internal/domain/workflow"
	"github.com/relaymind/relaymind/internal/port/tool"
)

// Markers the model must use in its replies. The parser is line-oriented
// and case-sensitive.
const (
	markerThought = "THOUGHT:"
	markerAction  = "ACTION:"
	markerArgs    = "ARGS:"
	markerFinal   = "FINAL ANSWER:"
)

// reply is one parsed model turn: either a final answer, or a thought
// optionally paired with an action.
type reply struct {
	thought string
	action  string
	args    json.RawMessage
	final   string
	isFinal bool
}

// parseReply extracts the markers from a model turn. A turn must contain
// either a FINAL ANSWER or a THOUGHT; an ACTION requires a preceding
// THOUGHT and a JSON object after ARGS (missing ARGS defaults to {}).
func parseReply(text string) (*reply, error) {
	var r reply
	var argsText string

	lines := strings.Split(text, "\n")
	var current *string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, markerFinal):
			r.isFinal = true
			r.final = strings.TrimSpace(strings.TrimPrefix(trimmed, markerFinal))
			current = &r.final
		case strings.HasPrefix(trimmed, markerThought):
			r.thought = strings.TrimSpace(strings.TrimPrefix(trimmed, markerThought))
			current = &r.thought
		case strings.HasPrefix(trimmed, markerAction):
			r.action = strings.TrimSpace(strings.TrimPrefix(trimmed, markerAction))
			current = nil
		case strings.HasPrefix(trimmed, markerArgs):
			argsText = strings.TrimSpace(strings.TrimPrefix(trimmed, markerArgs))
			current = &argsText
		default:
			// Continuation lines attach to the last marker's value.
			if current != nil && trimmed != "" {
				*current += "\n" + trimmed
			}
		}
	}

	if r.isFinal {
		if r.final == "" {
			return nil, fmt.Errorf("empty final answer")
		}
		return &r, nil
	}
	if r.thought == "" {
		return nil, fmt.Errorf("no %s or %s marker found", markerThought, markerFinal)
	}
	if r.action == "" {
		// A bare thought is a valid turn: the controller records it,
		// nudges the model, and the loop continues.
		return &r, nil
	}

	if argsText == "" {
		argsText = "{}"
	}
	if !json.Valid([]byte(argsText)) {
		return nil, fmt.Errorf("args after %s is not valid JSON", markerArgs)
	}
	r.args = json.RawMessage(argsText)
	return &r, nil
}

// systemPrompt renders the fixed instruction block with the available
// tools and declared workflows.
func systemPrompt(tools *tool.Registry, workflows []*workflow.Template) string {
	var b strings.Builder
	b.WriteString("You are a goal-directed agent. Work in steps.\n")
	b.WriteString("Reply with exactly one of:\n")
	b.WriteString("  THOUGHT: <reasoning>\n  ACTION: <tool or workflow name>\n  ARGS: <JSON object>\n")
	b.WriteString("or\n")
	b.WriteString("  FINAL ANSWER: <answer>\n\n")
	b.WriteString("Available tools:\n")
	for _, name := range tools.Names() {
		t, _ := tools.Lookup(name)
		fmt.Fprintf(&b, "  %s: %s\n", name, t.Description())
	}
	if len(workflows) > 0 {
		b.WriteString("Available workflows:\n")
		for _, tpl := range workflows {
			fmt.Fprintf(&b, "  %s: %s\n", tpl.Name, tpl.Description)
		}
	}
	return b.String()
}

// transcript renders the session history back into the marker format the
// model produced, so each turn sees the full run so far.
func transcript(goal string, steps []session.Step) string {
	var b strings.Builder
	b.WriteString("GOAL: ")
	b.WriteString(goal)
	b.WriteString("\n")
	for _, st := range steps {
		switch st.Kind {
		case session.StepThought:
			fmt.Fprintf(&b, "%s %s\n", markerThought, st.Content)
		case session.StepAction:
			fmt.Fprintf(&b, "%s %s\n%s %s\n", markerAction, st.Tool, markerArgs, string(st.Args))
		case session.StepObservation:
			fmt.Fprintf(&b, "OBSERVATION: %s\n", st.Content)
		case session.StepFinalAnswer:
			fmt.Fprintf(&b, "%s %s\n", markerFinal, st.Content)
		}
	}
	return b.String()
}
