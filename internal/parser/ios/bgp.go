package ios

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

var (
	tableVersionRe = regexp.MustCompile(`BGP table version is (\d+), local router ID is (\S+)`)
	entryRe        = regexp.MustCompile(`^BGP routing table entry for (\S+?),`)
	pathsRe        = regexp.MustCompile(`^Paths: \((\d+) available`)
	asPathLineRe   = regexp.MustCompile(`^  (Local|[0-9{][0-9{}, ]*?)(, \(.*\))?\s*$`)
	nextHopLineRe  = regexp.MustCompile(`^\s{3,}(\S+) (?:\(metric \d+\) )?from (\S+)`)
	originLineRe   = regexp.MustCompile(`^\s+Origin (IGP|EGP|incomplete)`)
	localPrefRe    = regexp.MustCompile(`localpref (\d+)`)
	communityRe    = regexp.MustCompile(`^\s+Community: (.*)$`)
)

// ParseBGPTable parses the tabular output of "show ip bgp" and of the
// community and AS path filters, which share its layout. Columns are
// located from the header line.
func ParseBGPTable(platform, command, raw string) (*parser.Result, error) {
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
		netCol  = -1
		pathCol = -1
		current string
		pending *parser.Route
	)

	for n, line := range parser.Lines(raw) {
		if m := tableVersionRe.FindStringSubmatch(line); m != nil {
			res.Fields["table_version"] = m[1]
			res.Fields["router_id"] = m[2]
			continue
		}

		if netCol < 0 {
			if strings.Contains(line, "Network") && strings.Contains(line, "Next Hop") && strings.Contains(line, "Path") {
				netCol = strings.Index(line, "Network")
				pathCol = strings.Index(line, "Path")
			}
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "Total number of prefixes") {
			continue
		}
		if len(line) <= netCol {
			return nil, scrapeerr.NewParseError(platform, command, "line %d is truncated", n+1)
		}

		status := strings.TrimSpace(line[:netCol])
		rest := line[netCol:]
		startsPrefix := !unicode.IsSpace(rune(rest[0]))

		var (
			route     parser.Route
			hasPrefix bool
		)
		switch {
		case pending != nil && status == "" && !startsPrefix:
			route = *pending
			pending = nil
		case status != "" && startsPrefix:
			hasPrefix = true
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				return nil, scrapeerr.NewParseError(platform, command, "line %d has a status but no prefix", n+1)
			}
			current = fields[0]
			route = parser.Route{Prefix: current, Protocol: "bgp", Best: strings.Contains(status, ">")}
			if len(fields) == 1 {
				// Prefix too long for its column; the rest is on the next line.
				p := route
				pending = &p
				continue
			}
		case status != "" && current != "":
			route = parser.Route{Prefix: current, Protocol: "bgp", Best: strings.Contains(status, ">")}
		default:
			return nil, scrapeerr.NewParseError(platform, command, "unexpected line %d: %q", n+1, trimmed)
		}

		if err := fillTableColumns(&route, line, netCol, pathCol, hasPrefix); err != nil {
			return nil, scrapeerr.NewParseError(platform, command, "line %d: %s", n+1, err)
		}
		res.Routes = append(res.Routes, route)
	}

	if netCol < 0 {
		return nil, scrapeerr.NewParseError(platform, command, "BGP table header not found")
	}
	if pending != nil {
		return nil, scrapeerr.NewParseError(platform, command, "route %s has no next hop", pending.Prefix)
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}

// fillTableColumns reads the next hop and the Path column of a table line.
// hasPrefix reports whether the line's first field is the prefix itself.
func fillTableColumns(route *parser.Route, line string, netCol, pathCol int, hasPrefix bool) error {
	fields := strings.Fields(line[netCol:])
	if hasPrefix {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return errMalformed("missing next hop")
	}
	route.NextHop = fields[0]

	if len(line) <= pathCol {
		return errMalformed("missing path column")
	}
	path := strings.Fields(line[pathCol:])
	if len(path) == 0 {
		return errMalformed("missing origin code")
	}

	origin := path[len(path)-1]
	switch origin {
	case "i", "e", "?":
	default:
		return errMalformed("unknown origin code " + strconv.Quote(origin))
	}
	route.Origin = origin
	if len(path) > 1 {
		route.ASPath = path[:len(path)-1]
	}
	return nil
}

type errMalformed string

func (e errMalformed) Error() string { return string(e) }

// ParseBGPEntry parses the detailed output of "show bgp ipv4 unicast
// <prefix>": one block per path, introduced by its AS path line.
func ParseBGPEntry(platform, command, raw string) (*parser.Result, error) {
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
		prefix  string
		inPaths bool
		route   *parser.Route
	)
	flush := func() {
		if route != nil {
			res.Routes = append(res.Routes, *route)
			route = nil
		}
	}

	for _, line := range parser.Lines(raw) {
		if m := entryRe.FindStringSubmatch(line); m != nil {
			prefix = m[1]
			res.Fields["prefix"] = prefix
			continue
		}
		if prefix == "" {
			continue
		}
		if m := pathsRe.FindStringSubmatch(line); m != nil {
			res.Fields["paths"] = m[1]
			inPaths = true
			continue
		}
		if !inPaths {
			continue
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "Advertised to") || strings.HasPrefix(trimmed, "Refresh Epoch") || strings.HasPrefix(trimmed, "Not advertised") {
			continue
		}

		if m := asPathLineRe.FindStringSubmatch(line); m != nil {
			flush()
			route = &parser.Route{Prefix: prefix, Protocol: "bgp"}
			if m[1] != "Local" {
				route.ASPath = strings.Fields(strings.ReplaceAll(m[1], ",", " "))
			}
			continue
		}
		if route == nil {
			continue
		}

		if m := nextHopLineRe.FindStringSubmatch(line); m != nil && route.NextHop == "" {
			route.NextHop = m[1]
			continue
		}
		if m := originLineRe.FindStringSubmatch(line); m != nil {
			route.Origin = parser.OriginCode(m[1])
			route.Best = strings.Contains(line, ", best")
			if lp := localPrefRe.FindStringSubmatch(line); lp != nil {
				route.LocalPref, _ = strconv.Atoi(lp[1])
			}
			continue
		}
		if m := communityRe.FindStringSubmatch(line); m != nil {
			route.Communities = strings.Fields(m[1])
		}
	}
	flush()

	if prefix == "" {
		return nil, scrapeerr.NewParseError(platform, command, "BGP routing table entry not found")
	}
	for _, r := range res.Routes {
		if r.NextHop == "" || r.Origin == "" {
			return nil, scrapeerr.NewParseError(platform, command, "incomplete path for %s", prefix)
		}
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}
