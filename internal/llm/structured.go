package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// StripFences removes a markdown code fence wrapping the payload, if any.
// Providers routinely wrap JSON in ```json fences despite instructions.
func StripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// CompleteStructured runs a completion and unmarshals the output into out,
// which must be a pointer. The optional check hook validates the decoded
// value beyond mere JSON well-formedness (required fields, enum domains).
//
// On a malformed response the client makes exactly one repair round-trip:
// the raw output is sent back with the decode error and the provider is
// asked to return corrected JSON only. The repair call walks the same
// fallback chain as any other completion. If the repaired output still
// fails, a ValidationError carrying the raw output is returned.
func (c *Client) CompleteStructured(ctx context.Context, messages []Message, out any, check func() error) error {
	raw, err := c.Complete(ctx, messages)
	if err != nil {
		return err
	}

	decodeErr := decodeInto(raw, out, check)
	if decodeErr == nil {
		return nil
	}

	c.logger.WithContext(ctx).WithComponent("llm").Warn("structured output invalid, attempting repair",
		slog.String("error", decodeErr.Error()))

	repairMessages := append(append([]Message{}, messages...),
		Message{Role: "assistant", Content: raw},
		Message{Role: "user", Content: repairPrompt(decodeErr)},
	)

	repaired, err := c.Complete(ctx, repairMessages)
	if err != nil {
		return err
	}

	if repairErr := decodeInto(repaired, out, check); repairErr != nil {
		return &ValidationError{RawOutput: repaired, Err: repairErr}
	}
	return nil
}

func decodeInto(raw string, out any, check func() error) error {
	cleaned := StripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func repairPrompt(cause error) string {
	return fmt.Sprintf(
		"Your previous response was not valid for this error: %v. "+
			"Respond again with ONLY the corrected JSON object. "+
			"No prose, no markdown fences.", cause)
}
