// Package junos provides parsers for Juniper JunOS CLI output.
//
// The brief "show route" layout covers the route table, the BGP table and
// AS path filters. Prefix and community lookups are rendered with
// "detail" and parsed block by block.
package junos

import (
	"regexp"
	"strings"

	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/parser"
)

func init() {
	for _, command := range []string{dialect.ShowRoute, dialect.ShowBGP, dialect.BGPASPath} {
		parser.Register(&parser.Func{Platform: dialect.PlatformJunOS, Command: command, Fn: ParseRoutes})
	}
	for _, command := range []string{dialect.BGPRoute, dialect.BGPCommunity} {
		parser.Register(&parser.Func{Platform: dialect.PlatformJunOS, Command: command, Fn: ParseDetail})
	}
}

var tableRe = regexp.MustCompile(`^(\S+): (\d+) destinations, (\d+) routes`)

// splitASPath splits "65002 65001 I" into the AS path and its origin code.
// JunOS prints the origin as I, E or ? after the last AS.
func splitASPath(s string) ([]string, string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, ""
	}

	var origin string
	switch last := fields[len(fields)-1]; last {
	case "I", "E", "?":
		origin = parser.OriginCode(strings.ToLower(last))
		fields = fields[:len(fields)-1]
	}

	var path []string
	for _, f := range fields {
		if f == "(Originator)" || strings.HasPrefix(f, "Cluster") {
			continue
		}
		path = append(path, f)
	}
	return path, origin
}

// protocolName lowercases a JunOS protocol tag such as "BGP" or "Static".
func protocolName(tag string) string {
	return strings.ToLower(tag)
}
