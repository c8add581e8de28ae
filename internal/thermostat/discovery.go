package thermostat

import (
	"fmt"
	"regexp"
	"runtime"
	"sort"
)

// DefaultIgnorePatterns returns the port-name patterns hidden from discovery
// on the current platform.
//
// macOS exposes every serial device twice: /dev/tty.* (dial-in, blocks on
// open until carrier detect) and /dev/cu.* (call-out). Only the call-out
// device is usable here.
func DefaultIgnorePatterns() []string {
	if runtime.GOOS == "darwin" {
		return []string{`^/dev/tty\.`}
	}
	return nil
}

// compileIgnorePatterns compiles port ignore patterns.
func compileIgnorePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: ignore pattern %q: %w", ErrInvalidArgument, p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// filterPorts drops bound and ignored ports and sorts the rest by name.
func filterPorts(ports []PortInfo, bound map[string]bool, ignore []*regexp.Regexp) []PortInfo {
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		if bound[p.Port] || ignored(p.Port, ignore) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func ignored(port string, ignore []*regexp.Regexp) bool {
	for _, re := range ignore {
		if re.MatchString(port) {
			return true
		}
	}
	return false
}
