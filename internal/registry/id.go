package registry

import (
	"regexp"
	"strings"

	"github.com/agentwire/portal/internal/apperr"
)

// segmentPattern matches one canonical id segment: project, branch, or
// the bare session name. Per spec.md §4.3.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,49}$`)

// CanonicalID is a parsed room identity: name, or project/branch, either
// optionally suffixed with @machine.
type CanonicalID struct {
	Raw     string
	Project string
	Branch  string
	Host    string
}

// Name returns the non-host-qualified part of the id (project/branch or
// the bare name).
func (c CanonicalID) Name() string {
	if c.Branch != "" {
		return c.Project + "/" + c.Branch
	}
	return c.Project
}

// String reconstructs the canonical id string.
func (c CanonicalID) String() string {
	s := c.Name()
	if c.Host != "" && c.Host != "local" {
		s += "@" + c.Host
	}
	return s
}

// ParseID validates and parses a canonical room id of the form `name`,
// `project/branch`, or either with an `@machine` suffix.
func ParseID(raw string) (CanonicalID, error) {
	rest := raw
	host := "local"

	if idx := strings.LastIndex(rest, "@"); idx != -1 {
		host = rest[idx+1:]
		rest = rest[:idx]
		if err := validateSegment(host); err != nil {
			return CanonicalID{}, err
		}
	}

	project := rest
	branch := ""
	if idx := strings.Index(rest, "/"); idx != -1 {
		project = rest[:idx]
		branch = rest[idx+1:]
	}

	if err := validateSegment(project); err != nil {
		return CanonicalID{}, err
	}
	if branch != "" {
		if err := validateSegment(branch); err != nil {
			return CanonicalID{}, err
		}
	}

	return CanonicalID{Raw: raw, Project: project, Branch: branch, Host: host}, nil
}

func validateSegment(s string) error {
	if !segmentPattern.MatchString(s) {
		return apperr.New(apperr.BadName, "invalid name segment: "+s)
	}
	return nil
}
