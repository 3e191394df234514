// Package classify asks a language model to place a task on the priority
// matrix.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-sync/domain"
)

const DefaultModel = "claude-sonnet-4-20250514"

// ErrUnavailable is returned when the model could not be reached.
var ErrUnavailable = errors.New("classification service unavailable")

const systemPrompt = `You sort tasks into an Eisenhower matrix.
Quadrants: q1 = urgent and important, q2 = important not urgent, q3 = urgent not important, q4 = neither.
Score importance and urgency from 0 to 100; a score of 50 or more counts as high.
Priority is 0 to 100 and orders tasks inside a quadrant, higher first.
Answer with a single JSON object and nothing else:
{"quadrant":"q1|q2|q3|q4","importance":0,"urgency":0,"priority":0,"reason":"one sentence"}`

// Client classifies tasks through the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
	logger *log.Logger
}

// New creates a Client. Extra request options are passed to the SDK client.
func New(apiKey, model string, logger *log.Logger, opts ...option.RequestOption) *Client {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{client: anthropic.NewClient(opts...), model: anthropic.Model(model), logger: logger}
}

// Classify returns the suggested placement for the task described by req.
func (c *Client) Classify(ctx context.Context, req domain.ClassifyRequest) (domain.Classification, error) {
	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(req)))},
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	res, err := parseClassification(text.String())
	if err != nil {
		return domain.Classification{}, err
	}
	c.logger.WithFields(log.Fields{
		"quadrant":    res.Quadrant,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("task classified")
	return res, nil
}

func buildPrompt(req domain.ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Title)
	if req.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", req.Notes)
	}
	if req.Due != nil {
		fmt.Fprintf(&b, "Due: %s\n", req.Due.UTC().Format(time.RFC3339))
	}
	if len(req.PeerTasks) > 0 {
		b.WriteString("\nOther tasks on the board:\n")
		for _, p := range req.PeerTasks {
			fmt.Fprintf(&b, "- [%s] %s", p.Quadrant, p.Title)
			if p.Due != nil {
				fmt.Fprintf(&b, " (due %s)", p.Due.UTC().Format(time.RFC3339))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// parseClassification extracts the JSON answer, tolerating markdown fences.
func parseClassification(text string) (domain.Classification, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		if idx := strings.Index(cleaned, "\n"); idx >= 0 {
			cleaned = cleaned[idx+1:]
		}
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var res domain.Classification
	if err := sonic.UnmarshalString(cleaned, &res); err != nil {
		return domain.Classification{}, fmt.Errorf("parse classification: %w (raw: %s)", err, text)
	}
	for _, s := range []struct {
		name string
		v    int
	}{{"importance", res.Importance}, {"urgency", res.Urgency}, {"priority", res.Priority}} {
		if s.v < 0 || s.v > 100 {
			return domain.Classification{}, fmt.Errorf("classification %s out of range: %d", s.name, s.v)
		}
	}
	if !res.Quadrant.Valid() {
		res.Quadrant = domain.QuadrantFor(res.Importance, res.Urgency)
	}
	return res, nil
}
