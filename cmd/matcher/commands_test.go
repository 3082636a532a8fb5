package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	if err := Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func TestVersionCommand(t *testing.T) {
	got := execute(t, "version")
	if !strings.HasPrefix(got, "matcher version: ") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestScoreCommand(t *testing.T) {
	tests := []struct {
		a, b string
		want string
	}{
		{"I love hiking and travel", "I enjoy travel and hiking", "0.6667"},
		{"hiking", "hiking", "1.0000"},
		{"", "", "0.0000"},
	}
	for _, tt := range tests {
		got := strings.TrimSpace(execute(t, "score", "--a", tt.a, "--b", tt.b))
		if got != tt.want {
			t.Errorf("score(%q, %q) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	rootCmd.SetArgs([]string{"migrate", "sideways"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()

	if err := Execute(); err == nil {
		t.Fatal("expected an error for an unknown direction")
	}
}
