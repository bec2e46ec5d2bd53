package frr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/parser"
	"github.com/eugenetaranov/lglass/internal/scrapeerr"
)

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func runParser(t *testing.T, command, raw string) (*parser.Result, error) {
	t.Helper()
	p := parser.Lookup(dialect.PlatformFRR, command)
	require.NotNil(t, p, command)
	require.Equal(t, parser.Key(dialect.PlatformFRR, command), p.Name())
	return p.Parse(raw)
}

func TestBGPTable(t *testing.T) {
	res, err := runParser(t, dialect.ShowBGP, fixture(t, "bgp_table.json"))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.3", res.Fields["router_id"])
	assert.Equal(t, "4", res.Fields["table_version"])
	assert.Equal(t, "3", res.Fields["routes"])
	require.Len(t, res.Routes, 3)

	assert.Equal(t, parser.Route{
		Prefix:   "192.0.2.0/24",
		NextHop:  "203.0.113.1",
		Protocol: "bgp",
		ASPath:   []string{"65001"},
		Origin:   "i",
		Best:     true,
	}, res.Routes[0])

	alt := res.Routes[1]
	assert.Equal(t, "192.0.2.0/24", alt.Prefix)
	assert.Equal(t, "198.51.100.2", alt.NextHop, "the used next hop wins")
	assert.Equal(t, []string{"65002", "65001"}, alt.ASPath)
	assert.False(t, alt.Best)

	internal := res.Routes[2]
	assert.Equal(t, "198.51.100.128/25", internal.Prefix)
	assert.Nil(t, internal.ASPath)
	assert.Equal(t, "?", internal.Origin)
	assert.Equal(t, 200, internal.LocalPref)
}

func TestBGPEntry(t *testing.T) {
	res, err := runParser(t, dialect.BGPRoute, fixture(t, "bgp_entry.json"))
	require.NoError(t, err)

	require.Len(t, res.Routes, 2)
	assert.Equal(t, parser.Route{
		Prefix:      "192.0.2.0/24",
		NextHop:     "203.0.113.1",
		Protocol:    "bgp",
		ASPath:      []string{"65001"},
		Origin:      "i",
		LocalPref:   100,
		Communities: []string{"65001:100", "65001:200"},
		Best:        true,
	}, res.Routes[0])

	second := res.Routes[1]
	assert.Equal(t, []string{"65002", "65001"}, second.ASPath)
	assert.Equal(t, "?", second.Origin)
	assert.Equal(t, 90, second.LocalPref)
	assert.False(t, second.Best)
	assert.Nil(t, second.Communities)
}

func TestRouteTable(t *testing.T) {
	res, err := runParser(t, dialect.ShowRoute, fixture(t, "route_table.json"))
	require.NoError(t, err)

	require.Len(t, res.Routes, 4)
	assert.Equal(t, parser.Route{
		Prefix: "0.0.0.0/0", NextHop: "203.0.113.1", Interface: "eth1", Protocol: "static", Best: true,
	}, res.Routes[0])
	assert.Equal(t, parser.Route{
		Prefix: "10.0.0.0/24", Interface: "eth0", Protocol: "connected", Best: true,
	}, res.Routes[1])
	assert.Equal(t, "bgp", res.Routes[2].Protocol)
	assert.True(t, res.Routes[2].Best)
	assert.Equal(t, "ospf", res.Routes[3].Protocol)
	assert.False(t, res.Routes[3].Best)
}

func TestEmptyRouteTable(t *testing.T) {
	res, err := runParser(t, dialect.ShowRoute, "{}")
	require.NoError(t, err)
	assert.Empty(t, res.Routes)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		command string
		raw     string
	}{
		{"not json", dialect.ShowBGP, "BGP table version is 4"},
		{"truncated", dialect.ShowBGP, `{"routes": {"192.0.2.0/24": [`},
		{"no routes", dialect.ShowBGP, `{"vrfId": 0}`},
		{"prefix not found", dialect.BGPRoute, `{}`},
		{"wrong shape", dialect.BGPRoute, `{"prefix": "192.0.2.0/24", "paths": 3}`},
		{"device error", dialect.ShowRoute, "% Unknown command: show ip rout json"},
		{"scalar", dialect.ShowRoute, "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runParser(t, tt.command, tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, scrapeerr.ErrParse)

			var pe *scrapeerr.ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, dialect.PlatformFRR, pe.Platform)
			assert.Equal(t, tt.command, pe.Command)
		})
	}
}

func TestParseIsPure(t *testing.T) {
	for command, file := range map[string]string{
		dialect.ShowBGP:      "bgp_table.json",
		dialect.BGPCommunity: "bgp_table.json",
		dialect.BGPRoute:     "bgp_entry.json",
		dialect.ShowRoute:    "route_table.json",
	} {
		first, err := runParser(t, command, fixture(t, file))
		require.NoError(t, err)
		second, err := runParser(t, command, first.Raw)
		require.NoError(t, err)
		assert.Equal(t, first, second, command)
	}
}
