package runerr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestConfigurationErrorNamesPathAndUnwraps(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("build command: %w", &ConfigurationError{
		Path:   "/tmp/display.ti3",
		Reason: "measurement file missing",
		Err:    os.ErrNotExist,
	})

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("errors.As(%v) = false, want ConfigurationError", err)
	}
	if cfgErr.Path != "/tmp/display.ti3" {
		t.Fatalf("path = %q, want /tmp/display.ti3", cfgErr.Path)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatal("configuration error should unwrap to os.ErrNotExist")
	}
	if !errors.Is(err, &ConfigurationError{}) {
		t.Fatal("errors.Is against empty ConfigurationError = false")
	}
	if !strings.Contains(err.Error(), "/tmp/display.ti3") {
		t.Fatalf("error text %q does not name the path", err.Error())
	}
}

func TestMissingBuildsReasonFromKind(t *testing.T) {
	t.Parallel()

	err := Missing("measurement file", "/data/a.ti3")
	if got, want := err.Error(), "measurement file missing: /data/a.ti3"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}

func TestFatalSubprocessErrorIncludesLastTailLine(t *testing.T) {
	t.Parallel()

	err := &FatalSubprocessError{
		Tool:     "dispread",
		ExitCode: 1,
		Tail:     []string{"Patch 3 of 10", "dispread: Error - new_disprd failed", ""},
	}
	if got, want := err.Error(), "dispread failed: exit status 1 (dispread: Error - new_disprd failed)"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
	if !errors.Is(err, &FatalSubprocessError{}) {
		t.Fatal("errors.Is against empty FatalSubprocessError = false")
	}
}

func TestPrivilegeErrorCancellation(t *testing.T) {
	t.Parallel()

	cancelled := &PrivilegeError{Cancelled: true}
	if !IsCancelled(cancelled) {
		t.Fatal("cancelled privilege error should be a cancellation")
	}
	if cancelled.Error() != "privilege elevation cancelled" {
		t.Fatalf("error = %q", cancelled.Error())
	}

	denied := &PrivilegeError{Err: errors.New("sudo: 3 incorrect password attempts")}
	if IsCancelled(denied) {
		t.Fatal("denied privilege error should not be a cancellation")
	}
	if !errors.Is(denied, &PrivilegeError{}) {
		t.Fatal("errors.Is against empty PrivilegeError = false")
	}
}
