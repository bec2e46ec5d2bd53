// Package ios provides parsers for Cisco IOS CLI output.
package ios

import (
	"github.com/eugenetaranov/lglass/internal/dialect"
	"github.com/eugenetaranov/lglass/internal/parser"
)

func init() {
	for _, command := range []string{dialect.ShowBGP, dialect.BGPCommunity, dialect.BGPASPath} {
		parser.Register(&parser.Func{Platform: dialect.PlatformIOS, Command: command, Fn: ParseBGPTable})
	}
	parser.Register(&parser.Func{Platform: dialect.PlatformIOS, Command: dialect.BGPRoute, Fn: ParseBGPEntry})
	parser.Register(&parser.Func{Platform: dialect.PlatformIOS, Command: dialect.ShowRoute, Fn: ParseRouteTable})
}
