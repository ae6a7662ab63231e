package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "task", "payout", "settings", "doctor"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func TestDoctor(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "doctor"})
	if err := root.Execute(); err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if !strings.Contains(buf.String(), "ok") {
		t.Errorf("doctor output: got %q, want ok", buf.String())
	}
}

func TestTaskListRequiresOrg(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--home", t.TempDir(), "task", "list"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error when --org is missing")
	}
}

func TestPayoutCalculateRequiresType(t *testing.T) {
	root := NewRootCmd("")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--home", t.TempDir(), "payout", "calculate"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--type") {
		t.Fatalf("expected --type error, got %v", err)
	}
}

func TestTaskListEmpty(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"--home", t.TempDir(), "task", "list", "--org", "org_missing"})
	if err := root.Execute(); err != nil {
		t.Fatalf("task list: %v", err)
	}
	if !strings.Contains(buf.String(), "No tasks") {
		t.Errorf("output: got %q, want No tasks", buf.String())
	}
}
