package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs credentials from log lines. Field values are replaced in
// place so JSON lines stay parseable.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for provider keys, bearer tokens and the
// gateway shared secret
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), redacted},
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`), "Bearer " + redacted},
			{regexp.MustCompile(`("(?:api_key|shared_secret|signature)"\s*:\s*")[^"]*(")`), "${1}" + redacted + "${2}"},
			{regexp.MustCompile(`(?i)((?:password|secret|token)=)[^\s&"]+`), "${1}" + redacted},
		},
	}
}

// AddPattern adds a custom pattern whose matches are replaced entirely
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re, redacted})
	return nil
}

// Redact applies every rule to s
func (r *Redactor) Redact(s string) string {
	result := s
	for _, rl := range r.rules {
		result = rl.pattern.ReplaceAllString(result, rl.replacement)
	}
	return result
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when a
// secret is shortened
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
