// Package parser defines the interface for normalizing raw device output
// into structured results, and the registry parsers add themselves to.
package parser

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Wildcard matches any platform or command in a parser name.
const Wildcard = "*"

// Route is one path to a destination.
type Route struct {
	Prefix      string   `json:"prefix"`
	NextHop     string   `json:"next_hop,omitempty"`
	Interface   string   `json:"interface,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
	ASPath      []string `json:"as_path,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	LocalPref   int      `json:"local_pref,omitempty"`
	Communities []string `json:"communities,omitempty"`
	Best        bool     `json:"best"`
}

// Result is the normalized output of a command.
type Result struct {
	Platform string            `json:"platform"`
	Command  string            `json:"command"`
	Routes   []Route           `json:"routes,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	// Raw is the output the result was parsed from.
	Raw string `json:"raw"`
}

// Parser is the interface that all output parsers must implement.
type Parser interface {
	// Name returns "platform/command"; either part may be Wildcard.
	Name() string

	// Parse normalizes raw output. It must be pure: parsing the same input
	// twice yields equal results. Output of the wrong shape yields a
	// *scrapeerr.ParseError.
	Parse(raw string) (*Result, error)
}

// registry holds all registered parsers.
var (
	registry   = make(map[string]Parser)
	registryMu sync.RWMutex
)

// Key builds a registry name from a platform and command.
func Key(platform, command string) string {
	return platform + "/" + command
}

// Register adds a parser to the registry.
// It panics if a parser with the same name is already registered.
func Register(p Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := p.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("parser %q is already registered", name))
	}
	registry[name] = p
}

// Get retrieves a parser by exact name.
// Returns nil if the parser is not found.
func Get(name string) Parser {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// Lookup returns the most specific parser for platform and command, trying
// "platform/command", "platform/*", "*/command" and "*/*" in that order.
func Lookup(platform, command string) Parser {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, name := range []string{
		Key(platform, command),
		Key(platform, Wildcard),
		Key(Wildcard, command),
		Key(Wildcard, Wildcard),
	} {
		if p, ok := registry[name]; ok {
			return p
		}
	}
	return nil
}

// List returns the names of all registered parsers, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a function to the Parser interface.
type Func struct {
	Platform string
	Command  string
	Fn       func(platform, command, raw string) (*Result, error)
}

// Name implements Parser.
func (f *Func) Name() string {
	return Key(f.Platform, f.Command)
}

// Parse implements Parser.
func (f *Func) Parse(raw string) (*Result, error) {
	return f.Fn(f.Platform, f.Command, raw)
}

// deviceErrorPrefixes mark a line the device printed instead of output.
var deviceErrorPrefixes = []string{
	"% ",
	"error:",
	"syntax error",
	"unknown command",
}

// DeviceError returns the first line of raw that reports a device-side
// error, such as "% Invalid input detected".
func DeviceError(raw string) (string, bool) {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		for _, prefix := range deviceErrorPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return trimmed, true
			}
		}
	}
	return "", false
}

// Lines splits raw into lines without trailing carriage returns.
func Lines(raw string) []string {
	lines := strings.Split(raw, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

// OriginCode normalizes an origin attribute to its one-letter code.
func OriginCode(origin string) string {
	switch strings.ToLower(origin) {
	case "i", "igp":
		return "i"
	case "e", "egp":
		return "e"
	case "?", "incomplete":
		return "?"
	}
	return origin
}
