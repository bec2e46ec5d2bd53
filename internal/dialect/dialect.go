// Package dialect renders command identifiers into the vendor-specific
// command strings each platform understands.
package dialect

import (
	"fmt"
	"sort"

	"github.com/aymerick/raymond"
)

// Command identifiers understood by every built-in platform.
const (
	BGPRoute     = "bgp_route"
	BGPCommunity = "bgp_community"
	BGPASPath    = "bgp_aspath"
	Ping         = "ping"
	Traceroute   = "traceroute"
	ShowBGP      = "show bgp"
	ShowRoute    = "show route"
)

// Platforms with built-in templates.
const (
	PlatformIOS   = "ios"
	PlatformJunOS = "junos"
	PlatformFRR   = "frr"
)

// builtins maps platform -> command id -> handlebars template. Arguments
// are inserted with triple-stash so they are not HTML-escaped.
var builtins = map[string]map[string]string{
	PlatformIOS: {
		BGPRoute:     "show bgp ipv4 unicast {{{target}}} | exclude pathid:|Epoch",
		BGPCommunity: "show bgp ipv4 unicast community {{{target}}}",
		BGPASPath:    `show bgp ipv4 unicast quote-regexp "{{{target}}}"`,
		Ping:         "ping {{{target}}} repeat 5{{#if source}} source {{{source}}}{{/if}}",
		Traceroute:   "traceroute ipv4 {{{target}}} timeout 1 probe 2{{#if source}} source {{{source}}}{{/if}}",
		ShowBGP:      "show ip bgp",
		ShowRoute:    "show ip route{{#if target}} {{{target}}}{{/if}}",
	},
	PlatformJunOS: {
		BGPRoute:     "show route protocol bgp table inet.0 {{{target}}} detail",
		BGPCommunity: "show route protocol bgp table inet.0 community {{{target}}} detail",
		BGPASPath:    `show route protocol bgp table inet.0 aspath-regex "{{{target}}}"`,
		Ping:         "ping inet {{{target}}} count 5{{#if source}} source {{{source}}}{{/if}}",
		Traceroute:   "traceroute inet {{{target}}} wait 1{{#if source}} source {{{source}}}{{/if}}",
		ShowBGP:      "show route protocol bgp table inet.0",
		ShowRoute:    "show route{{#if target}} {{{target}}}{{/if}}",
	},
	PlatformFRR: {
		BGPRoute:     "show bgp ipv4 unicast {{{target}}} json",
		BGPCommunity: "show bgp ipv4 unicast community {{{target}}} json",
		BGPASPath:    "show bgp ipv4 unicast regexp {{{target}}} json",
		Ping:         "ping -4 -c 5 -w 5{{#if source}} -I {{{source}}}{{/if}} {{{target}}}",
		Traceroute:   "traceroute -4 -w 1 -q 1{{#if source}} -s {{{source}}}{{/if}} {{{target}}}",
		ShowBGP:      "show bgp ipv4 unicast json",
		ShowRoute:    "show ip route{{#if target}} {{{target}}}{{/if}} json",
	},
}

// required lists the arguments a built-in command cannot render without.
var required = map[string][]string{
	BGPRoute:     {"target"},
	BGPCommunity: {"target"},
	BGPASPath:    {"target"},
	Ping:         {"target"},
	Traceroute:   {"target"},
}

type entry struct {
	source   string
	template *raymond.Template
}

// Catalog holds the parsed templates for every platform. It is read-only
// after construction and safe for concurrent use.
type Catalog struct {
	platforms map[string]map[string]*entry
}

// NewCatalog parses the built-in templates merged with overrides
// (platform -> command id -> template). Overrides replace built-ins and may
// add new platforms or commands.
func NewCatalog(overrides map[string]map[string]string) (*Catalog, error) {
	c := &Catalog{platforms: make(map[string]map[string]*entry)}

	for _, set := range []map[string]map[string]string{builtins, overrides} {
		for platform, commands := range set {
			for command, source := range commands {
				tpl, err := raymond.Parse(source)
				if err != nil {
					return nil, fmt.Errorf("parsing template %s/%s: %w", platform, command, err)
				}
				if c.platforms[platform] == nil {
					c.platforms[platform] = make(map[string]*entry)
				}
				c.platforms[platform][command] = &entry{source: source, template: tpl}
			}
		}
	}

	return c, nil
}

// Supports reports whether platform has a template for command.
func (c *Catalog) Supports(platform, command string) bool {
	_, ok := c.platforms[platform][command]
	return ok
}

// Template returns the template source for platform and command.
func (c *Catalog) Template(platform, command string) (string, bool) {
	e, ok := c.platforms[platform][command]
	if !ok {
		return "", false
	}
	return e.source, true
}

// Platforms returns the known platform names, sorted.
func (c *Catalog) Platforms() []string {
	names := make([]string, 0, len(c.platforms))
	for p := range c.platforms {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Commands returns the command ids supported by platform, sorted.
func (c *Catalog) Commands(platform string) []string {
	names := make([]string, 0, len(c.platforms[platform]))
	for name := range c.platforms[platform] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render validates args and renders command for platform.
func (c *Catalog) Render(platform, command string, args map[string]string) (string, error) {
	e, ok := c.platforms[platform][command]
	if !ok {
		return "", fmt.Errorf("command '%s' is not supported on platform '%s'", command, platform)
	}

	for _, name := range required[command] {
		if args[name] == "" {
			return "", fmt.Errorf("command '%s' requires argument '%s'", command, name)
		}
	}
	if err := ValidateArgs(command, args); err != nil {
		return "", err
	}

	ctx := make(map[string]string, len(args))
	for k, v := range args {
		ctx[k] = v
	}

	out, err := e.template.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("rendering %s/%s: %w", platform, command, err)
	}
	return out, nil
}
