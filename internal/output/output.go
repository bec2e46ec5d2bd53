// Package output provides formatted output for query results.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eugenetaranov/lglass/internal/executor"
	"github.com/eugenetaranov/lglass/internal/parser"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Stats holds execution statistics for output.
type Stats interface {
	GetOK() int
	GetFailed() int
	GetCached() int
	GetDuration() time.Duration
}

// Output handles formatted output.
type Output struct {
	w        io.Writer
	useColor bool
	debug    bool
	json     bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// SetJSON switches outcome rendering to one JSON document per outcome.
func (o *Output) SetJSON(enabled bool) {
	o.json = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// Outcome prints a query outcome: a status line, then the routes or the
// error. In debug mode the raw device output follows.
func (o *Output) Outcome(out *executor.Outcome) {
	if o.json {
		o.writeJSON(out)
		return
	}

	target := fmt.Sprintf("%s %s", out.Query.Device, out.Query.Command)
	elapsed := o.color(colorGray, fmt.Sprintf("(%.2fs)", out.Elapsed.Seconds()))

	if out.Err != nil {
		o.printf("  %s %s %s %s\n", o.color(colorRed, "✗"), target, o.color(colorRed, "FAILED"), elapsed)
		o.printf("    %s %v\n", o.color(colorGray, "→"), out.Err)
		if o.debug && out.FailedIn != "" {
			o.printf("    %s %s\n", o.color(colorGray, "state:"), out.FailedIn)
		}
		return
	}

	status := o.color(colorGreen, "✓")
	note := ""
	if out.Cached {
		status = o.color(colorCyan, "○")
		note = " " + o.color(colorCyan, "cached")
	}
	o.printf("  %s %s%s %s\n", status, target, note, elapsed)

	if out.Result == nil {
		return
	}
	if len(out.Result.Routes) > 0 {
		o.Routes(out.Result.Routes)
	} else if out.Result.Raw != "" {
		o.text(out.Result.Raw)
	}
	if o.debug {
		o.fields(out.Result.Fields)
		if len(out.Result.Routes) > 0 {
			o.printf("    %s\n", o.color(colorGray, "raw:"))
			o.text(out.Result.Raw)
		}
	}
}

// Routes prints routes as an aligned table. Best paths are marked with '>'.
func (o *Output) Routes(routes []parser.Route) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	headers := []string{"", "PREFIX", "NEXT HOP", "INTERFACE", "PROTOCOL", "LOCPRF", "AS PATH", "COMMUNITIES"}
	fmt.Fprintln(tw, "    "+strings.Join(headers, "\t"))

	for _, r := range routes {
		best := " "
		if r.Best {
			best = ">"
		}
		localPref := ""
		if r.LocalPref > 0 {
			localPref = strconv.Itoa(r.LocalPref)
		}
		path := strings.Join(r.ASPath, " ")
		if r.Origin != "" {
			path = strings.TrimSpace(path + " " + r.Origin)
		}
		row := []string{
			best,
			r.Prefix,
			dash(r.NextHop),
			dash(r.Interface),
			dash(r.Protocol),
			dash(localPref),
			dash(path),
			dash(strings.Join(r.Communities, " ")),
		}
		fmt.Fprintln(tw, "    "+strings.Join(row, "\t"))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (o *Output) text(s string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		o.printf("    %s\n", line)
	}
}

func (o *Output) fields(fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "lines" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.printf("    %s %s\n", o.color(colorGray, k+":"), fields[k])
	}
}

// outcomeJSON is the machine-readable form of an outcome.
type outcomeJSON struct {
	ID        string            `json:"id"`
	Device    string            `json:"device"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
	State     executor.State    `json:"state"`
	FailedIn  executor.State    `json:"failed_in,omitempty"`
	Error     string            `json:"error,omitempty"`
	ElapsedMS int64             `json:"elapsed_ms"`
	Cached    bool              `json:"cached"`
	Result    *parser.Result    `json:"result,omitempty"`
}

func (o *Output) writeJSON(out *executor.Outcome) {
	doc := outcomeJSON{
		ID:        out.ID.String(),
		Device:    out.Query.Device,
		Command:   out.Query.Command,
		Args:      out.Query.Args,
		State:     out.State,
		ElapsedMS: out.Elapsed.Milliseconds(),
		Cached:    out.Cached,
		Result:    out.Result,
	}
	if out.Err != nil {
		doc.FailedIn = out.FailedIn
		doc.Error = out.Err.Error()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		o.Error("encoding outcome: %v", err)
		return
	}
	o.printf("%s\n", data)
}

// Summary prints the batch recap. Nothing is printed in JSON mode.
func (o *Output) Summary(stats Stats) {
	if o.json {
		return
	}
	o.printf("\n%s ", o.color(colorBold, "RECAP"))

	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	cached := o.color(colorCyan, fmt.Sprintf("cached=%d", stats.GetCached()))

	o.printf("%s %s %s", ok, failed, cached)
	o.printf(" %s\n", o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	fmt.Fprintf(o.w, format, args...)
}
