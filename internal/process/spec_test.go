package process

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// A command that already starts with an explicit shell must not be wrapped
// in a second "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "migrate", Command: "sh -c 'alembic upgrade head'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[2] != "alembic upgrade head" {
		t.Fatalf("script not unwrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "server", Command: "cd /app && exec uvicorn main:app"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_ServerCommandSplitsWithoutShell(t *testing.T) {
	s := Spec{Name: "server", Command: "uvicorn main:app --host 0.0.0.0 --port 8000 --log-level info"}
	cmd := s.BuildCommand()
	want := []string{"uvicorn", "main:app", "--host", "0.0.0.0", "--port", "8000", "--log-level", "info"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("argv = %#v, want %#v", cmd.Args, want)
	}
}

func TestBuildCommand_EmptyCommand(t *testing.T) {
	cmd := (&Spec{Name: "noop"}).BuildCommand()
	if cmd.Path != "/bin/true" {
		t.Errorf("expected /bin/true for empty command, got %q", cmd.Path)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr string
	}{
		{name: "valid", spec: Spec{Name: "server", Command: "uvicorn main:app"}},
		{name: "missing name", spec: Spec{Command: "true"}, wantErr: "name is required"},
		{name: "name with slash", spec: Spec{Name: "a/b", Command: "true"}, wantErr: "path separators"},
		{name: "blank command", spec: Spec{Name: "server", Command: "   "}, wantErr: "requires a command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		cmdStr    string
		wantShell string
		wantAfter string
		wantOK    bool
	}{
		{"sh -c 'echo hello'", "sh", "echo hello", true},
		{`sh -c "echo hello"`, "sh", "echo hello", true},
		{"/bin/sh -c 'echo hello'", "/bin/sh", "echo hello", true},
		{"/usr/bin/sh -c 'echo hello'", "/usr/bin/sh", "echo hello", true},
		{"sh -c echo hello", "sh", "echo hello", true},
		{"  \tsh -c 'echo hello'", "sh", "echo hello", true},
		{"echo hello", "", "", false},
		{"bash -c 'echo hello'", "", "", false},
	}
	for _, tt := range tests {
		shell, after, ok := parseExplicitShell(tt.cmdStr)
		if ok != tt.wantOK || shell != tt.wantShell || after != tt.wantAfter {
			t.Errorf("parseExplicitShell(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.cmdStr, shell, after, ok, tt.wantShell, tt.wantAfter, tt.wantOK)
		}
	}
}
