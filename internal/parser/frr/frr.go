// Package frr provides parsers for FRRouting vtysh JSON output.
//
// Each command's JSON is projected onto flat route objects by a jq
// program, so the Go side only converts those objects into routes.
package frr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

// nextHop picks the used next hop, else the first one listed.
const nextHop = `([.nexthops[]? | select(.used == true) | .ip] + [.nexthops[]?.ip | values] | .[0] // "")`

var (
	tableProgram = mustCompile(`
		(.routes // error("no routes object")) | to_entries[] | .key as $prefix | .value[] | {
			prefix: $prefix,
			next_hop: ` + nextHop + `,
			protocol: "bgp",
			as_path: (.path // ""),
			origin: (.origin // ""),
			local_pref: (.locPrf // 0),
			communities: "",
			best: (.bestpath == true)
		}`)

	entryProgram = mustCompile(`
		(.prefix // error("no prefix in output")) as $prefix | .paths[] | {
			prefix: $prefix,
			next_hop: ` + nextHop + `,
			protocol: "bgp",
			as_path: (.aspath.string // ""),
			origin: (.origin // ""),
			local_pref: (.localpref // 0),
			communities: (.community.string // ""),
			best: (.bestpath.overall == true)
		}`)

	routeProgram = mustCompile(`
		to_entries[] | .key as $prefix | .value[] | {
			prefix: $prefix,
			next_hop: ([.nexthops[]?.ip | values] | .[0] // ""),
			interface: ([.nexthops[]?.interfaceName | values] | .[0] // ""),
			protocol: (.protocol // ""),
			best: (.selected == true)
		}`)

	headerProgram = mustCompile(`
		if type == "object" then {
			router_id: (.routerId // ""),
			table_version: (.tableVersion | if . == null then "" else tostring end)
		} else empty end`)
)

func init() {
	for _, command := range []string{dialect.ShowBGP, dialect.BGPCommunity, dialect.BGPASPath} {
		parser.Register(program(command, tableProgram, true))
	}
	parser.Register(program(dialect.BGPRoute, entryProgram, false))
	parser.Register(program(dialect.ShowRoute, routeProgram, false))
}

func mustCompile(src string) *gojq.Code {
	query, err := gojq.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("frr: parsing jq program: %v", err))
	}
	code, err := gojq.Compile(query)
	if err != nil {
		panic(fmt.Sprintf("frr: compiling jq program: %v", err))
	}
	return code
}

func program(command string, code *gojq.Code, header bool) parser.Parser {
	return &parser.Func{
		Platform: dialect.PlatformFRR,
		Command:  command,
		Fn: func(platform, command, raw string) (*parser.Result, error) {
			return parse(platform, command, raw, code, header)
		},
	}
}

// parse decodes raw as JSON and runs code over it. Every value code
// emits must be an object describing one route. With header set, the
// table version and router ID are copied into the result fields.
func parse(platform, command, raw string, code *gojq.Code, header bool) (*parser.Result, error) {
	if msg, ok := parser.DeviceError(raw); ok {
		return nil, scrapeerr.NewParseError(platform, command, "device reported: %s", msg)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, scrapeerr.NewParseError(platform, command, "invalid JSON: %s", err)
	}

	res := &parser.Result{
		Platform: platform,
		Command:  command,
		Fields:   make(map[string]string),
		Raw:      raw,
	}

	rows, err := run(code, doc)
	if err != nil {
		return nil, scrapeerr.NewParseError(platform, command, "%s", err)
	}
	for _, row := range rows {
		res.Routes = append(res.Routes, toRoute(row))
	}
	// Paths keep their device order within a prefix.
	sort.SliceStable(res.Routes, func(i, j int) bool {
		return res.Routes[i].Prefix < res.Routes[j].Prefix
	})

	if header {
		fields, err := run(headerProgram, doc)
		if err != nil {
			return nil, scrapeerr.NewParseError(platform, command, "%s", err)
		}
		for _, f := range fields {
			for k, v := range f {
				if s := stringOf(v); s != "" {
					res.Fields[k] = s
				}
			}
		}
	}

	res.Fields["routes"] = strconv.Itoa(len(res.Routes))
	return res, nil
}

func run(code *gojq.Code, doc any) ([]map[string]any, error) {
	var rows []map[string]any
	iter := code.Run(doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, err
		}
		row, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected %T in output", v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func toRoute(row map[string]any) parser.Route {
	r := parser.Route{
		Prefix:    stringOf(row["prefix"]),
		NextHop:   stringOf(row["next_hop"]),
		Interface: stringOf(row["interface"]),
		Protocol:  stringOf(row["protocol"]),
		Origin:    parser.OriginCode(stringOf(row["origin"])),
		LocalPref: intOf(row["local_pref"]),
		Best:      row["best"] == true,
	}
	if path := strings.Fields(stringOf(row["as_path"])); len(path) > 0 {
		r.ASPath = path
	}
	if communities := strings.Fields(stringOf(row["communities"])); len(communities) > 0 {
		r.Communities = communities
	}
	return r
}

func stringOf(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intOf(v any) int {
	switch v := v.(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
