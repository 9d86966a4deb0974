package command

import (
	"regexp"
	"sort"
	"strings"
)

// NotInteractiveEnv turns off the tools' own keyboard waits.
const NotInteractiveEnv = "ARGYLL_NOT_INTERACTIVE"

// Used records what a build actually emitted, for persistence next to the artifacts.
type Used struct {
	Flags      []string `yaml:"flags"`
	Suppressed []string `yaml:"suppressed,omitempty"`
	Notes      []string `yaml:"notes,omitempty"`
}

// Spec is a fully resolved command line. Methods that change it return a copy.
type Spec struct {
	Tool        string
	Path        string
	Args        []string
	WorkDir     string
	Env         []string
	Unset       []string
	Stage       []string
	Outputs     []string
	Interactive bool
	Elevate     bool
	Used        Used
}

// Argv returns the executable followed by its arguments.
func (s Spec) Argv() []string {
	return append([]string{s.Path}, s.Args...)
}

// WithWorkDir returns a copy running in dir.
func (s Spec) WithWorkDir(dir string) Spec {
	out := s.clone()
	out.WorkDir = dir
	return out
}

// WithoutFlag returns a copy with every occurrence of flag removed. When
// takesValue is set, a separate value argument following the flag goes too.
func (s Spec) WithoutFlag(flag string, takesValue bool) Spec {
	out := s.clone()
	out.Args = removeFlag(out.Args, flag, takesValue)
	out.Used.Flags = removeFlag(out.Used.Flags, flag, takesValue)
	return out
}

// WithLauncher returns a copy executed through path, for example sudo.
// The original executable becomes the first argument after prefix.
func (s Spec) WithLauncher(path string, prefix ...string) Spec {
	out := s.clone()
	args := make([]string, 0, len(prefix)+1+len(s.Args))
	args = append(args, prefix...)
	args = append(args, s.Path)
	args = append(args, s.Args...)
	out.Path = path
	out.Args = args
	return out
}

// Environment applies Unset and Env on top of base.
func (s Spec) Environment(base []string) []string {
	drop := make(map[string]struct{}, len(s.Unset)+len(s.Env))
	for _, key := range s.Unset {
		drop[key] = struct{}{}
	}
	for _, kv := range s.Env {
		key, _, _ := strings.Cut(kv, "=")
		drop[key] = struct{}{}
	}
	out := make([]string, 0, len(base)+len(s.Env))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[key]; ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, s.Env...)
}

// String renders a shell-quoted preview suitable for logs.
func (s Spec) String() string {
	argv := s.Argv()
	quoted := make([]string, 0, len(argv))
	for _, arg := range argv {
		quoted = append(quoted, shellQuote(arg))
	}
	return strings.Join(quoted, " ")
}

func (s Spec) clone() Spec {
	out := s
	out.Args = cloneStrings(s.Args)
	out.Env = cloneStrings(s.Env)
	out.Unset = cloneStrings(s.Unset)
	out.Stage = cloneStrings(s.Stage)
	out.Outputs = cloneStrings(s.Outputs)
	out.Used = Used{
		Flags:      cloneStrings(s.Used.Flags),
		Suppressed: cloneStrings(s.Used.Suppressed),
		Notes:      cloneStrings(s.Used.Notes),
	}
	return out
}

func removeFlag(args []string, flag string, takesValue bool) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == flag {
			if takesValue && i+1 < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, flag) && strings.HasPrefix(arg, "-") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	sort.Strings(out)
	return out
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if shellSafe.MatchString(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", "'\"'\"'") + "'"
}
