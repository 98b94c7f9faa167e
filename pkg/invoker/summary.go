package invoker

import (
	"fmt"
)

// inputSummarizers maps a capability name to a short human-readable
// description of its input, for progress and activity displays.
var inputSummarizers = map[string]func(input map[string]interface{}) string{
	"Bash":      fromField("command"),
	"Read":      fromField("file_path"),
	"Write":     fromField("file_path"),
	"Edit":      fromField("file_path"),
	"Glob":      fromField("pattern"),
	"Grep":      fromField("pattern"),
	"WebFetch":  fromField("url"),
	"WebSearch": fromField("query"),
	"Task":      fromField("description"),
}

func fromField(field string) func(input map[string]interface{}) string {
	return func(input map[string]interface{}) string {
		if v, ok := input[field].(string); ok && v != "" {
			return v
		}
		return ""
	}
}

const summaryMaxLen = 120

// Summarize renders a capability call as "Name: <short input>" for display.
// Unknown capability names fall back to the bare name.
func Summarize(call CapabilityCall) string {
	if summarizer, ok := inputSummarizers[call.Name]; ok {
		if detail := summarizer(call.Input); detail != "" {
			return fmt.Sprintf("%s: %s", call.Name, truncate(detail, summaryMaxLen))
		}
	}
	return call.Name
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
