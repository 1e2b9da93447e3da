// Package oracle is the code repair client. Given a failing adapter phase
// and its structured error, it asks a Gemini model for a full replacement
// source. Transient transport failures are retried here, inside the client,
// so they never count against the engine's repair budget.
package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"toolbridge/internal/engine"
)

// declineMarker is the reply the model is instructed to send when it cannot
// produce a fix.
const declineMarker = "DECLINE"

// Config holds oracle client settings.
type Config struct {
	// APIKey authenticates against the Gemini API.
	APIKey string

	// Model is the Gemini model used for repairs.
	Model string

	// Timeout bounds one model call.
	Timeout time.Duration

	// TransientRetries is how many times a failed call is retried for
	// infrastructure reasons before reporting the oracle unavailable.
	TransientRetries int

	// RetryBackoff is the pause between transient retries.
	RetryBackoff time.Duration
}

// DefaultConfig returns the oracle defaults.
func DefaultConfig() Config {
	return Config{
		Model:            "gemini-2.0-flash",
		Timeout:          30 * time.Second,
		TransientRetries: 2,
		RetryBackoff:     time.Second,
	}
}

// generator is the model call, separated for testing.
type generator interface {
	generate(ctx context.Context, prompt string) (string, error)
}

// Client implements engine.Oracle against the Gemini API.
type Client struct {
	cfg Config
	gen generator
	log *zap.Logger
}

// New creates the repair client.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Client{
		cfg: cfg,
		gen: &genaiGenerator{client: client, model: cfg.Model},
		log: log.Named("oracle"),
	}, nil
}

// Repair asks the model for a replacement source for the failing phase.
// An empty return with a nil error means the model declined. Errors wrap
// engine.ErrOracleUnavailable.
func (c *Client) Repair(ctx context.Context, req engine.RepairRequest) (string, error) {
	prompt := buildRepairPrompt(req)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.TransientRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying oracle call",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.cfg.RetryBackoff):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", engine.ErrOracleUnavailable, ctx.Err())
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		reply, err := c.gen.generate(callCtx, prompt)
		cancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		reply = strings.TrimSpace(reply)
		if reply == "" || strings.HasPrefix(reply, declineMarker) {
			c.log.Info("oracle declined repair",
				zap.String("tool_id", req.ToolID),
				zap.String("phase", req.Phase))
			return "", nil
		}
		source := extractCodeBlock(reply, "go")
		c.log.Info("oracle proposed replacement source",
			zap.String("tool_id", req.ToolID),
			zap.String("phase", req.Phase),
			zap.Int("source_bytes", len(source)))
		return source, nil
	}

	return "", fmt.Errorf("%w: %v", engine.ErrOracleUnavailable, lastErr)
}

// buildRepairPrompt packages the failure for the model: the phase contract,
// the structured error, the failing source, and a bounded data preview.
func buildRepairPrompt(req engine.RepairRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You maintain small Go adapter functions that bridge a host application's domain object to a command-line tool.\n\n")
	fmt.Fprintf(&b, "The %s adapter for tool %q failed and must be rewritten.\n\n", req.Phase, req.ToolID)

	if req.Phase == "pre_process" {
		b.WriteString("Contract: define `func PreProcess(domain map[string]any, params map[string]any) string` ")
		b.WriteString("returning the tool's input text. A second `error` return value is allowed.\n")
	} else {
		b.WriteString("Contract: define `func PostProcess(domain map[string]any, output any) map[string]any` ")
		b.WriteString("returning the updated domain object. The output argument is ALREADY PARSED ")
		b.WriteString("(a map, slice, or scalar decoded from the tool's output); do not parse it again.\n")
	}
	b.WriteString("Only these packages may be imported: bytes, encoding/base64, encoding/csv, encoding/json, errors, fmt, maps, math, regexp, slices, sort, strconv, strings, time, unicode, unicode/utf8.\n\n")

	fmt.Fprintf(&b, "Error kind: %s\n", req.Error.Kind)
	fmt.Fprintf(&b, "Error message: %s\n", req.Error.Message)
	if req.Error.Trace != "" {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", req.Error.Trace)
	}

	fmt.Fprintf(&b, "\nFailing source:\n```go\n%s\n```\n", strings.TrimSpace(req.FailingSource))
	if req.DataPreview != "" {
		fmt.Fprintf(&b, "\nData the function was handling (truncated):\n%s\n", req.DataPreview)
	}

	b.WriteString("\nReply with the complete corrected function in a single ```go code block, nothing else.\n")
	fmt.Fprintf(&b, "If the error cannot be fixed by rewriting this function, reply with exactly %s.\n", declineMarker)

	return b.String()
}

// extractCodeBlock pulls the code out of a markdown-fenced reply, falling
// back to the raw text when no fence is present.
func extractCodeBlock(text, lang string) string {
	patterns := []string{
		"```" + lang + "\n",
		"```" + lang + "\r\n",
		"```\n",
	}
	for _, pattern := range patterns {
		if idx := strings.Index(text, pattern); idx != -1 {
			start := idx + len(pattern)
			if end := strings.Index(text[start:], "```"); end != -1 {
				return strings.TrimSpace(text[start : start+end])
			}
		}
	}
	return strings.TrimSpace(text)
}

// genaiGenerator is the production generator backed by the Gemini API.
type genaiGenerator struct {
	client *genai.Client
	model  string
}

func (g *genaiGenerator) generate(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("genai generate failed: %w", err)
	}
	return result.Text(), nil
}
