package sanitize

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/lassohq/lasso/internal"
	"github.com/lassohq/lasso/internal/moderation"
)

const detectSystemPrompt = `You are a data-loss-prevention scanner. Inspect the user text for:
- email addresses
- IPv4 addresses
- IBAN bank account numbers
Respond with ONLY a JSON object of the exact form
{"emails": [], "ips": [], "ibans": []}
listing every instance found verbatim. No prose, no markdown fences.`

// Detector finds sensitive identifiers in free text.
type Detector interface {
	Detect(ctx context.Context, text string) (map[proxy.Category][]string, error)
}

// LLMDetector asks the moderation model for structured findings and keeps
// only candidates that pass the category validators.
type LLMDetector struct {
	client *moderation.Client
}

// NewLLMDetector wraps a moderation client as a Detector.
func NewLLMDetector(client *moderation.Client) *LLMDetector {
	return &LLMDetector{client: client}
}

func (d *LLMDetector) Detect(ctx context.Context, text string) (map[proxy.Category][]string, error) {
	out, err := d.client.Complete(ctx, []moderation.Message{
		{Role: "system", Content: detectSystemPrompt},
		{Role: "user", Content: text},
	}, 512)
	if err != nil {
		return nil, err
	}

	raw := stripFences(out)
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("sanitize: detector returned non-JSON: %q", truncate(raw, 120))
	}

	found := make(map[proxy.Category][]string)
	collect := func(cat proxy.Category, field string) {
		for _, v := range gjson.Get(raw, field).Array() {
			candidate := strings.TrimSpace(v.String())
			if candidate == "" || !Valid(cat, candidate) {
				continue
			}
			// the model must quote verbatim text or the finding is noise
			if !strings.Contains(text, candidate) {
				continue
			}
			found[cat] = append(found[cat], candidate)
		}
	}
	collect(proxy.CategoryEmail, "emails")
	collect(proxy.CategoryIPv4, "ips")
	collect(proxy.CategoryIBAN, "ibans")
	return found, nil
}

// stripFences removes a surrounding markdown code fence if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
