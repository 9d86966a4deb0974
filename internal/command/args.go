package command

import (
	"regexp"
	"strings"
)

var argumentPattern = regexp.MustCompile(`(?:^|\s+)(-[^\s]+|["'][^"']+?["']|\S+)`)

// ParseArgumentString splits a user-supplied argument string. Flags are
// single tokens; quoted values keep their spaces and lose their quotes.
func ParseArgumentString(value string) []string {
	matches := argumentPattern.FindAllStringSubmatch(value, -1)
	args := make([]string, 0, len(matches))
	for _, match := range matches {
		args = append(args, strings.Trim(match[1], `"'`))
	}
	return args
}

// group is one flag together with its separate value argument, if any.
type group []string

func (g group) key() string {
	return flagKey(g[0])
}

// flagKey is the dash plus option letter, or "" for positional arguments.
func flagKey(arg string) string {
	if len(arg) < 2 || arg[0] != '-' {
		return ""
	}
	return arg[:2]
}

// groupArgs pairs each flag with the non-flag arguments following it.
func groupArgs(args []string) []group {
	var groups []group
	for _, arg := range args {
		if flagKey(arg) == "" && len(groups) > 0 {
			groups[len(groups)-1] = append(groups[len(groups)-1], arg)
			continue
		}
		groups = append(groups, group{arg})
	}
	return groups
}

// overlay drops every base group whose flag the top groups also set and
// appends top. Dropped groups are returned flattened.
func overlay(base, top []group) ([]group, []string) {
	keys := make(map[string]struct{}, len(top))
	for _, g := range top {
		if k := g.key(); k != "" {
			keys[k] = struct{}{}
		}
	}
	out := make([]group, 0, len(base)+len(top))
	var dropped []string
	for _, g := range base {
		if _, ok := keys[g.key()]; ok && g.key() != "" {
			dropped = append(dropped, g...)
			continue
		}
		out = append(out, g)
	}
	return append(out, top...), dropped
}

func flatten(groups []group) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// filterKeys keeps the groups whose flag is one of keys.
func filterKeys(groups []group, keys ...string) []group {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	var out []group
	for _, g := range groups {
		if _, ok := allowed[g.key()]; ok {
			out = append(out, g)
		}
	}
	return out
}
