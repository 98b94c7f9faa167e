package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor_BotToken(t *testing.T) {
	r := NewRedactor()
	out := r.Redact("token is 123456789:AAFake-Token_ExampleValue012345678901")
	assert.NotContains(t, out, "AAFake-Token_ExampleValue012345678901")
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactor_APIKey(t *testing.T) {
	r := NewRedactor()
	out := r.Redact("using sk-abcdefghijklmnopqrstuvwx for auth")
	assert.Equal(t, "using [REDACTED] for auth", out)
}

func TestRedactor_PlainTextUntouched(t *testing.T) {
	r := NewRedactor()
	in := "invocation completed in 12s"
	assert.Equal(t, in, r.Redact(in))
}

func TestRedactor_Wrap(t *testing.T) {
	r := NewRedactor()
	var buf bytes.Buffer
	w := r.Wrap(&buf)

	_, err := w.Write([]byte("password: hunter22"))
	assert.NoError(t, err)
	assert.NotContains(t, buf.String(), "hunter22")
}

func TestRedactor_AddPattern(t *testing.T) {
	r := NewRedactor()
	assert.Error(t, r.AddPattern("("))
	assert.NoError(t, r.AddPattern(`topsecret-\d+`))
	assert.Equal(t, "[REDACTED]", r.Redact("topsecret-42"))
}
