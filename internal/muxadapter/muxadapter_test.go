package muxadapter

import (
	"testing"

	"github.com/agentwire/portal/internal/apperr"
)

func TestClassifyTmuxErrorNotFound(t *testing.T) {
	err := classifyTmuxError("can't find session: api", 1)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("expected NotFound, got %v", apperr.KindOf(err))
	}
}

func TestClassifyTmuxErrorAlreadyExists(t *testing.T) {
	err := classifyTmuxError("duplicate session: api", 1)
	if !apperr.Is(err, apperr.AlreadyExists) {
		t.Errorf("expected AlreadyExists, got %v", apperr.KindOf(err))
	}
}

func TestClassifyTmuxErrorInternal(t *testing.T) {
	err := classifyTmuxError("some other failure", 2)
	if !apperr.Is(err, apperr.Internal) {
		t.Errorf("expected Internal, got %v", apperr.KindOf(err))
	}
}

func TestNewDefaultsTmuxBinaryAndExitWait(t *testing.T) {
	a := New(nil, "", 0)
	if a.tmuxBinary != "tmux" {
		t.Errorf("tmuxBinary = %q, want tmux", a.tmuxBinary)
	}
	if a.exitWait.Seconds() != 3 {
		t.Errorf("exitWait = %v, want 3s", a.exitWait)
	}
}
