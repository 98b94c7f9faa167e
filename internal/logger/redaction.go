package logger

import (
	"io"
	"regexp"
)

// Redactor scrubs credential-shaped substrings from log output before it
// reaches any sink. Message text relayed on behalf of users can contain
// pasted tokens, so the daemon enables this by default.
type Redactor struct {
	patterns []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	// API keys
	regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

	// Bearer tokens
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

	// Telegram bot tokens
	regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),

	// Gateway shared secrets and friends
	regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
	regexp.MustCompile(`password["\s:=]+[^\s"]+`),
	regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
}

// NewRedactor creates a redactor with the default pattern set.
func NewRedactor() *Redactor {
	return &Redactor{patterns: defaultPatterns}
}

// AddPattern compiles and registers an extra redaction pattern.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces every pattern match in s with a placeholder.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts each chunk before forwarding it to w.
// zerolog writes one event per call, so matching within a chunk is safe.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	return w.writer.Write([]byte(w.redactor.Redact(string(p))))
}
