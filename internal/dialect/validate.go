package dialect

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
)

// MaxArgLength bounds every command argument.
const MaxArgLength = 128

// forbidden are characters that would let an argument break out of the
// command it is rendered into.
const forbidden = ";&|<>`'\"\\"

var (
	communityPattern = regexp.MustCompile(`^([0-9]{1,10}:[0-9]{1,10}(:[0-9]{1,10})?|no-export|no-advertise|local-as|internet)$`)
	asPathPattern    = regexp.MustCompile(`^[0-9_ ^$.*+?()\[\]-]+$`)
	hostnamePattern  = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9.-]{0,251}[A-Za-z0-9])?$`)
)

// ValidateArgs checks command arguments before they are rendered.
func ValidateArgs(command string, args map[string]string) error {
	for name, value := range args {
		if len(value) > MaxArgLength {
			return fmt.Errorf("argument '%s' exceeds %d characters", name, MaxArgLength)
		}
		if strings.ContainsAny(value, forbidden) {
			return fmt.Errorf("argument '%s' contains a forbidden character", name)
		}
		for _, r := range value {
			if unicode.IsControl(r) {
				return fmt.Errorf("argument '%s' contains a control character", name)
			}
		}
	}

	if source, ok := args["source"]; ok && source != "" {
		if _, err := netip.ParseAddr(source); err != nil {
			return fmt.Errorf("source '%s' is not an IP address", source)
		}
	}

	target, ok := args["target"]
	if !ok || target == "" {
		return nil
	}

	switch command {
	case BGPRoute, ShowRoute:
		if !isAddrOrPrefix(target) {
			return fmt.Errorf("target '%s' is not an IP address or prefix", target)
		}
	case Ping, Traceroute:
		if !isAddrOrPrefix(target) && !hostnamePattern.MatchString(target) {
			return fmt.Errorf("target '%s' is not an IP address or hostname", target)
		}
	case BGPCommunity:
		if !communityPattern.MatchString(target) {
			return fmt.Errorf("target '%s' is not a BGP community", target)
		}
	case BGPASPath:
		if !asPathPattern.MatchString(target) {
			return fmt.Errorf("target '%s' is not an AS path expression", target)
		}
	}

	return nil
}

func isAddrOrPrefix(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}
