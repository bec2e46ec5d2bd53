// Package raw registers the fallback parser for commands whose output is
// shown as text, such as ping and traceroute.
package raw

import (
	"strconv"
	"strings"

	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

func init() {
	parser.Register(&parser.Func{Platform: parser.Wildcard, Command: parser.Wildcard, Fn: Parse})
}

// Parse returns the output with surrounding blank space removed. Empty
// output and device-side errors are rejected.
func Parse(platform, command, raw string) (*parser.Result, error) {
	if msg, ok := parser.DeviceError(raw); ok {
		return nil, scrapeerr.NewParseError(platform, command, "device reported: %s", msg)
	}

	text := strings.TrimSpace(strings.ReplaceAll(raw, "\r\n", "\n"))
	if text == "" {
		return nil, scrapeerr.NewParseError(platform, command, "empty output")
	}

	return &parser.Result{
		Platform: platform,
		Command:  command,
		Fields:   map[string]string{"lines": strconv.Itoa(strings.Count(text, "\n") + 1)},
		Raw:      text,
	}, nil
}
