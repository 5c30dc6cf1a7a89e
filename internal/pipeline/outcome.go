package pipeline

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	proxy "github.com/lassohq/lasso/internal"
)

// Request is one inbound proxy request after routing: the provider tag, the
// upstream path with the provider prefix stripped, and the buffered body.
type Request struct {
	Provider string
	Path     string
	RawQuery string
	Method   string
	Headers  http.Header
	Body     []byte
	ClientID string
}

// Response is what the caller receives.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Outcome is the terminal result of a pipeline run. Exactly one of Response,
// Rejection, or Fault is set; Record is always populated and has already been
// queued for audit and broadcast.
type Outcome struct {
	Response  *Response
	Rejection *proxy.Rejection
	Fault     error
	Record    proxy.AuditRecord
}

// ExtractText pulls the canonical text used for policy classification:
// messages[*].content when present, else prompt, else input, else the
// serialised body.
func ExtractText(body []byte) string {
	if !gjson.ValidBytes(body) {
		return string(body)
	}
	if messages := gjson.GetBytes(body, "messages"); messages.IsArray() {
		var parts []string
		messages.ForEach(func(_, msg gjson.Result) bool {
			content := msg.Get("content")
			switch {
			case content.Type == gjson.String:
				parts = append(parts, content.String())
			case content.IsArray():
				content.ForEach(func(_, part gjson.Result) bool {
					if t := part.Get("text"); t.Type == gjson.String {
						parts = append(parts, t.String())
					}
					return true
				})
			}
			return true
		})
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if prompt := gjson.GetBytes(body, "prompt"); prompt.Type == gjson.String {
		return prompt.String()
	}
	if input := gjson.GetBytes(body, "input"); input.Type == gjson.String {
		return input.String()
	}
	return string(body)
}
