package registry

import (
	"testing"

	"github.com/agentwire/portal/internal/apperr"
)

func TestParseIDBareName(t *testing.T) {
	id, err := ParseID("api")
	if err != nil {
		t.Fatalf("ParseID returned error: %v", err)
	}
	if id.Project != "api" || id.Branch != "" || id.Host != "local" {
		t.Errorf("got %+v", id)
	}
	if id.Name() != "api" {
		t.Errorf("Name() = %q, want api", id.Name())
	}
	if id.String() != "api" {
		t.Errorf("String() = %q, want api", id.String())
	}
}

func TestParseIDProjectBranch(t *testing.T) {
	id, err := ParseID("api/feature-1")
	if err != nil {
		t.Fatalf("ParseID returned error: %v", err)
	}
	if id.Project != "api" || id.Branch != "feature-1" {
		t.Errorf("got %+v", id)
	}
	if id.Name() != "api/feature-1" {
		t.Errorf("Name() = %q", id.Name())
	}
}

func TestParseIDWithHost(t *testing.T) {
	id, err := ParseID("api/feature-1@gpu1")
	if err != nil {
		t.Fatalf("ParseID returned error: %v", err)
	}
	if id.Host != "gpu1" {
		t.Errorf("Host = %q, want gpu1", id.Host)
	}
	if id.String() != "api/feature-1@gpu1" {
		t.Errorf("String() = %q", id.String())
	}
}

func TestParseIDExplicitLocalHostOmittedFromString(t *testing.T) {
	id, err := ParseID("api@local")
	if err != nil {
		t.Fatalf("ParseID returned error: %v", err)
	}
	if id.String() != "api" {
		t.Errorf("String() = %q, want api (local host suffix elided)", id.String())
	}
}

func TestParseIDRejectsBadSegments(t *testing.T) {
	tests := []string{
		"",
		"has space",
		"bad/name/too/deep",
		"name@",
		"na*me",
		"na/me@ho st",
		"-leading-dash",
	}
	for _, raw := range tests {
		_, err := ParseID(raw)
		if err == nil {
			t.Errorf("ParseID(%q): expected error, got nil", raw)
			continue
		}
		if !apperr.Is(err, apperr.BadName) {
			t.Errorf("ParseID(%q): expected BadName, got %v", raw, apperr.KindOf(err))
		}
	}
}

func TestParseIDAcceptsUnderscoreAndDash(t *testing.T) {
	if _, err := ParseID("my_project-1/feat_branch-2"); err != nil {
		t.Fatalf("ParseID returned error: %v", err)
	}
}
