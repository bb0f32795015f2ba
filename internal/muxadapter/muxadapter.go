// Package muxadapter is a thin wrapper over tmux: create/kill session,
// send keys with timing, capture pane text, list sessions, attach a raw
// pty, and query pane metadata. Every call shells out via internal/hostexec
// so it works identically against the local machine or a remote host.
// Grounded on the VM agent's PTY session lifecycle (internal/pty), but
// generalized from an owned local pty process to an externally managed
// tmux session addressed by name.
package muxadapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/hostexec"
)

// PaneInfo describes one pane's metadata.
type PaneInfo struct {
	Cwd     string
	Command string
	Cols    int
	Rows    int
}

// SessionInfo describes one tmux session.
type SessionInfo struct {
	ID          string
	WindowCount int
}

// Adapter wraps tmux operations for a configured binary path.
type Adapter struct {
	exec         *hostexec.Executor
	tmuxBinary   string
	keystrokePause time.Duration
	keygroupPause  time.Duration
	exitWait       time.Duration
}

// New builds an Adapter. tmuxBinary is usually "tmux"; keystrokePause (80ms)
// and keygroupPause (120ms) and exitWait (3s) match spec.md §4.2.
func New(exec *hostexec.Executor, tmuxBinary string, exitWait time.Duration) *Adapter {
	if tmuxBinary == "" {
		tmuxBinary = "tmux"
	}
	if exitWait <= 0 {
		exitWait = 3 * time.Second
	}
	return &Adapter{
		exec:           exec,
		tmuxBinary:     tmuxBinary,
		keystrokePause: 80 * time.Millisecond,
		keygroupPause:  120 * time.Millisecond,
		exitWait:       exitWait,
	}
}

func (a *Adapter) tmux(ctx context.Context, host string, args ...string) (hostexec.Result, error) {
	argv := append([]string{a.tmuxBinary}, args...)
	result, err := a.exec.Run(ctx, host, argv, nil)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		return result, classifyTmuxError(result.Stderr, result.ExitCode)
	}
	return result, nil
}

func classifyTmuxError(stderr string, exitCode int) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "can't find session"), strings.Contains(lower, "no such"):
		return apperr.New(apperr.NotFound, strings.TrimSpace(stderr))
	case strings.Contains(lower, "duplicate session"), strings.Contains(lower, "already exists"):
		return apperr.New(apperr.AlreadyExists, strings.TrimSpace(stderr))
	default:
		return apperr.New(apperr.Internal, fmt.Sprintf("tmux exited %d: %s", exitCode, strings.TrimSpace(stderr)))
	}
}

// NewSession creates a detached tmux session running initialCommand in cwd.
func (a *Adapter) NewSession(ctx context.Context, host, id, cwd, initialCommand string) error {
	args := []string{"new-session", "-d", "-s", id, "-c", cwd}
	if initialCommand != "" {
		args = append(args, initialCommand)
	}
	_, err := a.tmux(ctx, host, args...)
	return err
}

// KillSession sends a graceful exit to the foreground program (writes the
// literal string "/exit", waits up to exitWait for the pane to close, then
// kills the session outright).
func (a *Adapter) KillSession(ctx context.Context, host, id string) error {
	if _, err := a.tmux(ctx, host, "has-session", "-t", id); err != nil {
		return err
	}

	_ = a.SendKeys(ctx, host, id, "/exit")

	deadline := time.Now().Add(a.exitWait)
	for time.Now().Before(deadline) {
		if _, err := a.tmux(ctx, host, "has-session", "-t", id); apperr.Is(err, apperr.NotFound) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_, err := a.tmux(ctx, host, "kill-session", "-t", id)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	return err
}

// SendKeys delivers text to the foreground program, implementing the
// keystroke-with-pause contract: split on embedded newlines, send each
// segment, pause, then send an Enter.
func (a *Adapter) SendKeys(ctx context.Context, host, id, text string) error {
	segments := strings.Split(text, "\n")
	for i, seg := range segments {
		if _, err := a.tmux(ctx, host, "send-keys", "-t", id, "-l", seg); err != nil {
			return err
		}
		time.Sleep(a.keystrokePause)
		if i < len(segments)-1 {
			if _, err := a.tmux(ctx, host, "send-keys", "-t", id, "Enter"); err != nil {
				return err
			}
		}
	}
	_, err := a.tmux(ctx, host, "send-keys", "-t", id, "Enter")
	return err
}

// SendKeyGroups sends each group of keys then pauses 120ms, for callers
// that need to drive multi-step tmux key sequences (e.g. prefix chords).
func (a *Adapter) SendKeyGroups(ctx context.Context, host, id string, groups []string) error {
	for _, g := range groups {
		if _, err := a.tmux(ctx, host, "send-keys", "-t", id, g); err != nil {
			return err
		}
		time.Sleep(a.keygroupPause)
	}
	return nil
}

// CapturePane returns the last nLines lines of pane text.
func (a *Adapter) CapturePane(ctx context.Context, host, id string, nLines int) (string, error) {
	if nLines <= 0 {
		nLines = 400
	}
	result, err := a.tmux(ctx, host, "capture-pane", "-p", "-t", id, "-S", "-"+strconv.Itoa(nLines))
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

// ListSessions returns every tmux session on host with its window count.
func (a *Adapter) ListSessions(ctx context.Context, host string) ([]SessionInfo, error) {
	result, err := a.tmux(ctx, host, "list-sessions", "-F", "#{session_name}\t#{session_windows}")
	if apperr.Is(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		sessions = append(sessions, SessionInfo{ID: parts[0], WindowCount: windows})
	}
	return sessions, nil
}

// PaneInfo returns cwd/command/cols/rows for one pane.
func (a *Adapter) PaneInfo(ctx context.Context, host, id string, pane int) (PaneInfo, error) {
	target := fmt.Sprintf("%s.%d", id, pane)
	result, err := a.tmux(ctx, host, "display-message", "-p", "-t", target,
		"#{pane_current_path}\t#{pane_current_command}\t#{pane_width}\t#{pane_height}")
	if err != nil {
		return PaneInfo{}, err
	}
	parts := strings.SplitN(strings.TrimRight(result.Stdout, "\n"), "\t", 4)
	if len(parts) != 4 {
		return PaneInfo{}, apperr.New(apperr.Internal, "unexpected display-message output")
	}
	cols, _ := strconv.Atoi(parts[2])
	rows, _ := strconv.Atoi(parts[3])
	return PaneInfo{Cwd: parts[0], Command: parts[1], Cols: cols, Rows: rows}, nil
}

// AttachPty returns a byte-duplex for raw terminal passthrough by running
// "tmux attach-session" inside a pty.
func (a *Adapter) AttachPty(ctx context.Context, host, id string, cols, rows int) (*hostexec.PtyHandle, error) {
	argv := []string{a.tmuxBinary, "attach-session", "-t", id}
	return a.exec.AttachPty(ctx, host, argv, cols, rows)
}

// SpawnPane adds a pane to the session running cmd, returning its index.
// Pane 0 is always the orchestrator; this call is only ever used for
// pane 1+.
func (a *Adapter) SpawnPane(ctx context.Context, host, id, cmd string) (int, error) {
	result, err := a.tmux(ctx, host, "split-window", "-t", id, "-P", "-F", "#{pane_index}", cmd)
	if err != nil {
		return 0, err
	}
	idx, convErr := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if convErr != nil {
		return 0, apperr.Wrap(apperr.Internal, "parsing new pane index", convErr)
	}
	return idx, nil
}

// KillPane removes one pane by index. Pane 0 (the orchestrator) can never
// be killed through this call.
func (a *Adapter) KillPane(ctx context.Context, host, id string, index int) error {
	if index == 0 {
		return apperr.New(apperr.Conflict, "cannot kill the orchestrator pane")
	}
	target := fmt.Sprintf("%s.%d", id, index)
	_, err := a.tmux(ctx, host, "kill-pane", "-t", target)
	return err
}
