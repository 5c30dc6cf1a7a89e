// Package sanitize inspects outbound request bodies for sensitive identifiers
// (emails, IPv4 addresses, IBANs) before they reach a provider. Two strategies
// share one interface: reject the request outright, or rewrite the body with
// placeholders and let it through.
package sanitize

import (
	"context"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	proxy "github.com/lassohq/lasso/internal"
)

// Result is the outcome of scanning one request body.
type Result struct {
	// Body is the payload to forward upstream. Reject strategy returns the
	// input unchanged; redact strategy returns the rewritten tree.
	Body []byte
	// Found maps each detected category to the verbatim instances.
	Found map[proxy.Category][]string
	// Redacted is true when Body differs from the input.
	Redacted bool
}

// Categories returns the detected category names, sorted, for error details
// and log fields.
func (r Result) Categories() []string {
	out := make([]string, 0, len(r.Found))
	for cat := range r.Found {
		out = append(out, string(cat))
	}
	sort.Strings(out)
	return out
}

// Redact replaces every detected instance anywhere in body with its category
// placeholder. Unlike RedactStrategy it ignores tree structure: it exists to
// keep the verbatim instances out of persisted audit payloads, so
// over-redacting is acceptable and the replacement can never fail.
func Redact(body []byte, found map[proxy.Category][]string) []byte {
	s := string(body)
	for cat, instances := range found {
		for _, inst := range instances {
			s = strings.ReplaceAll(s, inst, cat.Placeholder())
		}
	}
	return []byte(s)
}

// Strategy scans a JSON request body for sensitive data. Implementations
// must not mutate the input slice.
type Strategy interface {
	// Name identifies the strategy ("reject" or "redact") for health output.
	Name() string
	Scan(ctx context.Context, body []byte) (Result, error)
}

// leaf is one string value in the body tree, addressed by its gjson/sjson path.
type leaf struct {
	path  string
	value string
}

// stringLeaves walks the JSON tree depth-first and collects every string leaf.
// Object keys are never inspected. Non-JSON bodies yield no leaves.
func stringLeaves(body []byte) []leaf {
	if !gjson.ValidBytes(body) {
		return nil
	}
	var leaves []leaf
	var walk func(prefix string, v gjson.Result)
	walk = func(prefix string, v gjson.Result) {
		switch {
		case v.IsObject():
			v.ForEach(func(k, child gjson.Result) bool {
				walk(joinPath(prefix, escapeKey(k.String())), child)
				return true
			})
		case v.IsArray():
			i := 0
			v.ForEach(func(_, child gjson.Result) bool {
				walk(joinPath(prefix, itoa(i)), child)
				i++
				return true
			})
		case v.Type == gjson.String:
			leaves = append(leaves, leaf{path: prefix, value: v.String()})
		}
	}
	walk("", gjson.ParseBytes(body))
	return leaves
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// escapeKey escapes gjson path metacharacters in an object key.
func escapeKey(k string) string {
	var b strings.Builder
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteByte(k[i])
	}
	return b.String()
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	n := len(buf)
	for i > 0 {
		n--
		buf[n] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[n:])
}

// RejectStrategy detects sensitive data and reports it without touching the
// body. The caller blocks the request when Found is non-empty.
type RejectStrategy struct {
	det Detector
}

// NewRejectStrategy returns the default detect-and-reject strategy.
func NewRejectStrategy(det Detector) *RejectStrategy {
	return &RejectStrategy{det: det}
}

func (s *RejectStrategy) Name() string { return "reject" }

func (s *RejectStrategy) Scan(ctx context.Context, body []byte) (Result, error) {
	leaves := stringLeaves(body)
	if len(leaves) == 0 {
		return Result{Body: body}, nil
	}
	// One detector round trip over the concatenated leaves: rejection only
	// needs to know whether anything is present, not where.
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if strings.TrimSpace(l.value) != "" {
			parts = append(parts, l.value)
		}
	}
	if len(parts) == 0 {
		return Result{Body: body}, nil
	}
	found, err := s.det.Detect(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return Result{}, err
	}
	return Result{Body: body, Found: found}, nil
}

// RedactStrategy rewrites each detected instance in place with the category
// placeholder and forwards the sanitised body.
type RedactStrategy struct {
	det Detector
}

// NewRedactStrategy returns the placeholder-substitution strategy.
func NewRedactStrategy(det Detector) *RedactStrategy {
	return &RedactStrategy{det: det}
}

func (s *RedactStrategy) Name() string { return "redact" }

func (s *RedactStrategy) Scan(ctx context.Context, body []byte) (Result, error) {
	leaves := stringLeaves(body)
	if len(leaves) == 0 {
		return Result{Body: body}, nil
	}
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if strings.TrimSpace(l.value) != "" {
			parts = append(parts, l.value)
		}
	}
	if len(parts) == 0 {
		return Result{Body: body}, nil
	}
	found, err := s.det.Detect(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return Result{}, err
	}
	if len(found) == 0 {
		return Result{Body: body}, nil
	}

	out := body
	redacted := false
	for _, l := range leaves {
		rewritten := l.value
		for cat, instances := range found {
			for _, inst := range instances {
				rewritten = strings.ReplaceAll(rewritten, inst, cat.Placeholder())
			}
		}
		if rewritten == l.value {
			continue
		}
		next, err := sjson.SetBytes(out, l.path, rewritten)
		if err != nil {
			return Result{}, err
		}
		out = next
		redacted = true
	}
	return Result{Body: out, Found: found, Redacted: redacted}, nil
}
