package junos

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

var (
	destRe      = regexp.MustCompile(`^(\S+/\d+)\s+([*+-]?)\[(\w+)/(\d+)\]`)
	altPathRe   = regexp.MustCompile(`^\s+([*+-]?)\[(\w+)/(\d+)\]`)
	briefASRe   = regexp.MustCompile(`^\s+AS path: ([^,]*)`)
	toViaRe     = regexp.MustCompile(`^\s+(>?)\s*to (\S+) via (\S+)`)
	viaOnlyRe   = regexp.MustCompile(`^\s+(>?)\s*(?:Local )?via (\S+)`)
	localPrefRe = regexp.MustCompile(`localpref (\d+)`)
)

// ParseRoutes parses the brief "show route" layout. Each destination line
// starts a path; further paths for the same destination follow indented.
func ParseRoutes(platform, command, raw string) (*parser.Result, error) {
	if msg, ok := parser.DeviceError(raw); ok {
		return nil, scrapeerr.NewParseError(platform, command, "device reported: %s", msg)
	}

	res := &parser.Result{
		Platform: platform,
		Command:  command,
		Fields:   make(map[string]string),
		Raw:      raw,
	}

	var (
		sawTable bool
		prefix   string
		route    *parser.Route
		selected bool
	)
	flush := func() {
		if route != nil {
			res.Routes = append(res.Routes, *route)
			route = nil
		}
	}
	start := func(marker, proto, line string) {
		flush()
		route = &parser.Route{
			Prefix:   prefix,
			Protocol: protocolName(proto),
			Best:     marker == "*" || marker == "+",
		}
		if m := localPrefRe.FindStringSubmatch(line); m != nil {
			route.LocalPref, _ = strconv.Atoi(m[1])
		}
		selected = false
	}

	for _, line := range parser.Lines(raw) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "+ = Active Route") {
			continue
		}
		if m := tableRe.FindStringSubmatch(line); m != nil {
			flush()
			sawTable = true
			res.Fields["table"] = m[1]
			res.Fields["destinations"] = m[2]
			continue
		}
		if m := destRe.FindStringSubmatch(line); m != nil {
			prefix = m[1]
			start(m[2], m[3], line)
			continue
		}
		if m := altPathRe.FindStringSubmatch(line); m != nil && prefix != "" {
			start(m[1], m[2], line)
			continue
		}
		if route == nil {
			// Banners such as "Restart Complete" precede the first route.
			continue
		}

		if m := briefASRe.FindStringSubmatch(line); m != nil {
			route.ASPath, route.Origin = splitASPath(m[1])
			continue
		}
		// The selected next hop wins over any listed before it.
		if m := toViaRe.FindStringSubmatch(line); m != nil {
			if !selected {
				route.NextHop, route.Interface = m[2], m[3]
				selected = m[1] == ">"
			}
			continue
		}
		if m := viaOnlyRe.FindStringSubmatch(line); m != nil {
			if !selected {
				route.NextHop, route.Interface = "", m[2]
				selected = m[1] == ">"
			}
			continue
		}
	}
	flush()

	if !sawTable && len(res.Routes) == 0 {
		return nil, scrapeerr.NewParseError(platform, command, "no routing table in output")
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}
