package command

import (
	"reflect"
	"testing"
)

func TestParseArgumentString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: []string{}},
		{in: "-qh -v", want: []string{"-qh", "-v"}},
		{in: `-C "Studio, 2026" -D 'Main display'`, want: []string{"-C", "Studio, 2026", "-D", "Main display"}},
		{in: "  -X  file.ccmx ", want: []string{"-X", "file.ccmx"}},
	}
	for _, tt := range tests {
		if got := ParseArgumentString(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("ParseArgumentString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithoutFlagReturnsCopy(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Path: "/bin/dispread",
		Args: []string{"-v", "-N", "-X", "ccmx.ccmx", "-d1", "name"},
		Used: Used{Flags: []string{"-v", "-N", "-X", "ccmx.ccmx", "-d1"}},
	}
	withoutN := spec.WithoutFlag("-N", false)
	if !reflect.DeepEqual(withoutN.Args, []string{"-v", "-X", "ccmx.ccmx", "-d1", "name"}) {
		t.Fatalf("args = %q", withoutN.Args)
	}
	withoutX := withoutN.WithoutFlag("-X", true)
	if !reflect.DeepEqual(withoutX.Args, []string{"-v", "-d1", "name"}) {
		t.Fatalf("args = %q", withoutX.Args)
	}
	if !reflect.DeepEqual(withoutX.Used.Flags, []string{"-v", "-d1"}) {
		t.Fatalf("used = %q", withoutX.Used.Flags)
	}
	if len(spec.Args) != 6 {
		t.Fatalf("original spec mutated: %q", spec.Args)
	}
}

func TestWithLauncherAndWorkDir(t *testing.T) {
	t.Parallel()

	spec := Spec{Path: "/bin/dispwin", Args: []string{"-I", "display.icc"}}
	wrapped := spec.WithLauncher("/usr/bin/sudo", "-S", "-p", "", "--").WithWorkDir("/tmp/ws")
	want := []string{"/usr/bin/sudo", "-S", "-p", "", "--", "/bin/dispwin", "-I", "display.icc"}
	if !reflect.DeepEqual(wrapped.Argv(), want) {
		t.Fatalf("argv = %q, want %q", wrapped.Argv(), want)
	}
	if wrapped.WorkDir != "/tmp/ws" || spec.WorkDir != "" {
		t.Fatal("work dir not applied to the copy only")
	}
	if got := wrapped.String(); got != "/usr/bin/sudo -S -p '' -- /bin/dispwin -I display.icc" {
		t.Fatalf("preview = %s", got)
	}
}

func TestEnvironmentAppliesOverridesAndUnsets(t *testing.T) {
	t.Parallel()

	spec := Spec{Env: []string{"ENABLE_COLORHUG=1"}, Unset: []string{NotInteractiveEnv}}
	got := spec.Environment([]string{"PATH=/bin", NotInteractiveEnv + "=1", "ENABLE_COLORHUG=0"})
	want := []string{"PATH=/bin", "ENABLE_COLORHUG=1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("environment = %q, want %q", got, want)
	}
}
