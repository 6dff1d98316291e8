package server

import (
	"strings"
	"testing"
)

// FuzzCleanBasePath checks the base path is either empty or a rooted path
// with no empty, "." or ".." segments and no trailing slash.
func FuzzCleanBasePath(f *testing.F) {
	f.Add("")
	f.Add("/")
	f.Add("ops")
	f.Add("//ops//")
	f.Add("  /status/ ")
	f.Add("a/./b/../c/")

	f.Fuzz(func(t *testing.T, in string) {
		got := cleanBasePath(in)
		if got == "" {
			return
		}
		if !strings.HasPrefix(got, "/") || strings.HasSuffix(got, "/") {
			t.Fatalf("cleanBasePath(%q)=%q is not a rooted path without trailing slash", in, got)
		}
		for _, seg := range strings.Split(got[1:], "/") {
			if seg == "" || seg == "." || seg == ".." {
				t.Fatalf("cleanBasePath(%q)=%q has segment %q", in, got, seg)
			}
		}
	})
}
