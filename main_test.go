package main

import (
	"bytes"
	"io"
	"log"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(log.New(io.Discard, "", 0))
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionsCommandLifecycle(t *testing.T) {
	t.Setenv("DOCCHAT_STORAGE_DRIVER", "sqlite")
	t.Setenv("DOCCHAT_DATA_DIR", t.TempDir())
	for _, key := range []string{"DOCCHAT_REDIS_ADDR", "REDIS_ADDR", "DOCCHAT_NEO4J_URI", "NEO4J_URI"} {
		t.Setenv(key, "")
	}

	out, err := runCLI(t, "sessions", "--create", "Zoo")
	if err != nil {
		t.Fatalf("sessions --create: %v", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		t.Fatal("expected a session id")
	}

	out, err = runCLI(t, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "Zoo") {
		t.Fatalf("expected session in listing, got %q", out)
	}

	if _, err := runCLI(t, "clear", "--confirm"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	out, err = runCLI(t, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Fatalf("expected no sessions after clear, got %q", out)
	}
}

func TestClearWithoutConfirmationAborts(t *testing.T) {
	t.Setenv("DOCCHAT_STORAGE_DRIVER", "memory")

	out, err := runCLI(t, "clear")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.Contains(out, "Continue?") {
		t.Fatalf("expected confirmation prompt, got %q", out)
	}
}

func TestIngestValidatesFlags(t *testing.T) {
	cases := [][]string{
		{"ingest", "--file", "a.txt"},
		{"ingest", "--session", "s1"},
		{"ingest", "--session", "s1", "--file", "a.txt", "--dir", "docs"},
		{"ingest", "--session", "s1", "--file", "a.txt", "--watch"},
	}
	for _, args := range cases {
		if _, err := runCLI(t, args...); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestChatRequiresSession(t *testing.T) {
	if _, err := runCLI(t, "chat", "--question", "hi"); err == nil {
		t.Fatal("expected error without --session")
	}
}
