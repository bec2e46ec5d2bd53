package ios

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

var (
	gatewayRe    = regexp.MustCompile(`^Gateway of last resort is (.*)$`)
	viaRe        = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9*+%]*(?: [A-Za-z0-9]+)?)\s+(\S+/\d+)\s+\[(\d+)/(\d+)\] via ([^,\s]+)(?:, [^,]+)?(?:, (\S+))?\s*$`)
	connectedRe  = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9*+%]*)\s+(\S+/\d+) is directly connected, (\S+)\s*$`)
	prefixOnlyRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9*+%]*(?: [A-Za-z0-9]+)?)\s+(\S+/\d+)\s*$`)
	multipathRe  = regexp.MustCompile(`^\s+\[(\d+)/(\d+)\] via ([^,\s]+)(?:, [^,]+)?(?:, (\S+))?\s*$`)
)

// protocols maps the route code column to a protocol name.
var protocols = map[string]string{
	"L": "local",
	"C": "connected",
	"S": "static",
	"R": "rip",
	"B": "bgp",
	"D": "eigrp",
	"O": "ospf",
	"i": "isis",
}

// ParseRouteTable parses "show ip route". Codes legend and subnet summary
// lines are skipped; equal-cost paths become one route each.
func ParseRouteTable(platform, command, raw string) (*parser.Result, error) {
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
		inLegend bool
		current  *parser.Route
	)
	for n, line := range parser.Lines(raw) {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			inLegend = false
			continue
		case strings.HasPrefix(trimmed, "Codes:"):
			inLegend = true
			continue
		case inLegend:
			continue
		case strings.Contains(trimmed, "is variably subnetted"), strings.Contains(trimmed, "is subnetted"):
			continue
		}

		if m := gatewayRe.FindStringSubmatch(trimmed); m != nil {
			res.Fields["gateway"] = m[1]
			continue
		}
		if m := viaRe.FindStringSubmatch(line); m != nil {
			r := parser.Route{
				Prefix:    m[2],
				NextHop:   m[5],
				Interface: m[6],
				Protocol:  protocolName(m[1]),
				Best:      true,
			}
			res.Routes = append(res.Routes, r)
			current = &res.Routes[len(res.Routes)-1]
			continue
		}
		if m := connectedRe.FindStringSubmatch(line); m != nil {
			res.Routes = append(res.Routes, parser.Route{
				Prefix:    m[2],
				Interface: m[3],
				Protocol:  protocolName(m[1]),
				Best:      true,
			})
			current = &res.Routes[len(res.Routes)-1]
			continue
		}
		if m := prefixOnlyRe.FindStringSubmatch(line); m != nil {
			// Prefix wrapped onto its own line; paths follow.
			current = &parser.Route{Prefix: m[2], Protocol: protocolName(m[1]), Best: true}
			continue
		}
		if m := multipathRe.FindStringSubmatch(line); m != nil && current != nil {
			r := *current
			r.NextHop = m[3]
			r.Interface = m[4]
			res.Routes = append(res.Routes, r)
			current = &res.Routes[len(res.Routes)-1]
			continue
		}
		return nil, scrapeerr.NewParseError(platform, command, "unexpected line %d: %q", n+1, trimmed)
	}

	if len(res.Routes) == 0 && res.Fields["gateway"] == "" {
		return nil, scrapeerr.NewParseError(platform, command, "no routes recognized")
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}

// protocolName maps a code such as "B", "O IA" or "S*" to a protocol.
func protocolName(code string) string {
	code = strings.TrimRight(strings.Fields(code)[0], "*+%")
	if p, ok := protocols[code]; ok {
		return p
	}
	return strings.ToLower(code)
}
