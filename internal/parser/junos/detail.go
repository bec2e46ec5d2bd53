package junos

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

var (
	detailDestRe  = regexp.MustCompile(`^(\S+/\d+) \((\d+) entr(?:y|ies)`)
	detailPathRe  = regexp.MustCompile(`^\s+([*+-]?)(\w+)\s+Preference: `)
	nextHopRe     = regexp.MustCompile(`^\s+Next hop: (\S+)(?: via (\S+?))?(,.*)?$`)
	detailASRe    = regexp.MustCompile(`^\s+AS path: (.*)$`)
	communitiesRe = regexp.MustCompile(`^\s+Communities: (.*)$`)
	detailLPRe    = regexp.MustCompile(`^\s+Localpref: (\d+)`)
)

// ParseDetail parses "show route ... detail". Each destination block lists
// its paths, each introduced by a protocol and preference line.
func ParseDetail(platform, command, raw string) (*parser.Result, error) {
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

	for _, line := range parser.Lines(raw) {
		if m := tableRe.FindStringSubmatch(line); m != nil {
			flush()
			sawTable = true
			res.Fields["table"] = m[1]
			res.Fields["destinations"] = m[2]
			continue
		}
		if m := detailDestRe.FindStringSubmatch(line); m != nil {
			flush()
			prefix = m[1]
			continue
		}
		if prefix == "" {
			continue
		}
		if m := detailPathRe.FindStringSubmatch(line); m != nil {
			flush()
			route = &parser.Route{
				Prefix:   prefix,
				Protocol: protocolName(m[2]),
				Best:     m[1] == "*" || m[1] == "+",
			}
			selected = false
			continue
		}
		if route == nil {
			continue
		}

		switch {
		case nextHopRe.MatchString(line):
			m := nextHopRe.FindStringSubmatch(line)
			isSelected := strings.Contains(m[3], "selected")
			if !selected || isSelected {
				route.NextHop, route.Interface = m[1], m[2]
				selected = selected || isSelected
			}
		case detailASRe.MatchString(line):
			m := detailASRe.FindStringSubmatch(line)
			route.ASPath, route.Origin = splitASPath(m[1])
		case communitiesRe.MatchString(line):
			m := communitiesRe.FindStringSubmatch(line)
			route.Communities = strings.Fields(m[1])
		case detailLPRe.MatchString(line):
			m := detailLPRe.FindStringSubmatch(line)
			route.LocalPref, _ = strconv.Atoi(m[1])
		}
	}
	flush()

	if !sawTable && prefix == "" {
		return nil, scrapeerr.NewParseError(platform, command, "no routing table in output")
	}
	for _, r := range res.Routes {
		if r.NextHop == "" && r.Interface == "" {
			return nil, scrapeerr.NewParseError(platform, command, "path for %s has no next hop", r.Prefix)
		}
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}
