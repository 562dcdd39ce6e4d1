package version

import (
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "dev", Build: "abc"}
	s := v.String()
	if !strings.HasPrefix(s, "Version: 1.2.3-dev\n") {
		t.Fatalf("unexpected version string %q", s)
	}
	if !strings.HasSuffix(s, "Build: abc") {
		t.Fatalf("build not preserved: %q", s)
	}
}
