package hostexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentwire/portal/internal/config"
)

func TestShellEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"", "''"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
		{"$(rm -rf /)", `'$(rm -rf /)'`},
	}
	for _, tt := range tests {
		if got := shellEscape(tt.in); got != tt.want {
			t.Errorf("shellEscape(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShellJoin(t *testing.T) {
	got := ShellJoin([]string{"echo", "hello world", "it's"})
	want := `echo 'hello world' 'it'\''s'`
	if got != want {
		t.Errorf("ShellJoin = %q, want %q", got, want)
	}
}

func TestSSHUserAndAddr(t *testing.T) {
	if got := sshUser("dev@gpu1.internal"); got != "dev" {
		t.Errorf("sshUser = %q, want dev", got)
	}
	if got := sshAddr("dev@gpu1.internal"); got != "gpu1.internal:22" {
		t.Errorf("sshAddr = %q, want gpu1.internal:22", got)
	}
	if got := sshAddr("dev@gpu1.internal:2222"); got != "gpu1.internal:2222" {
		t.Errorf("sshAddr with explicit port = %q, want gpu1.internal:2222", got)
	}
}

func TestRunLocalCapturesOutput(t *testing.T) {
	e := New(&config.Config{})
	result, err := e.Run(context.Background(), LocalHost, []string{"echo", "-n", "hi"}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hi" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hi")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestRunLocalCapturesNonZeroExit(t *testing.T) {
	e := New(&config.Config{})
	result, err := e.Run(context.Background(), LocalHost, []string{"sh", "-c", "exit 3"}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestSSHPoolAcquireBoundsConcurrency(t *testing.T) {
	pool := newSSHPool(config.Host{ID: "h"}, config.Config{SSHChannelsPerHost: 2})

	if err := pool.acquire(context.Background()); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if err := pool.acquire(context.Background()); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.acquire(ctx); err == nil {
		t.Fatal("expected a third acquire to block until the semaphore has a free slot")
	}

	pool.release()
	if err := pool.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRunUnknownHost(t *testing.T) {
	e := New(&config.Config{Hosts: map[string]config.Host{}})
	_, err := e.Run(context.Background(), "nope", []string{"echo", "hi"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown host")
	}
}
