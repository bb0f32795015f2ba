// Package question parses the structured question blocks AI coding agents
// print to their terminal pane, grounded on the line-oriented regexp
// parsing style used to pull structured log entries out of flat text
// (cloud-init/journald line parsing in the Host Executor's ancestry).
package question

import (
	"regexp"
	"strings"
)

// Option is one answer choice parsed out of a question block.
type Option struct {
	Number      string
	Label       string
	Description string
	FreeText    bool
}

// Question is a structured prompt parsed out of pane text.
type Question struct {
	Header   string
	Question string
	Options  []Option
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences so the grammar below can
// match against the pane's logical text.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

var (
	headerLine = regexp.MustCompile(`^\s*☐\s*(.+?)\s*$`)
	optionLine = regexp.MustCompile(`^\s*❯?\s*(\d+)\.\s*(.+?)\s*$`)
	descLine   = regexp.MustCompile(`^\s{3,}(.+?)\s*$`)
)

// freeTextLabel matches option labels that request free-form input instead
// of a fixed choice: "type", "type something", "other", "other...".
var freeTextLabel = regexp.MustCompile(`(?i)^(type\b.*|other\.{0,3})$`)

// Parse scans raw (possibly ANSI-laden) pane text for the most recent
// complete question block: a "☐ <header>" line, a blank line, a line
// ending in "?", a blank line, then one or more numbered options each
// optionally followed by an indented description line. It returns nil if
// no complete block is found. When several headers appear in the pane
// (history scrollback), the last one that parses to a complete block wins,
// since that is the one the agent is currently waiting on.
func Parse(paneText string) *Question {
	clean := StripANSI(paneText)
	lines := strings.Split(clean, "\n")

	var found *Question
	for start := 0; start < len(lines); start++ {
		m := headerLine.FindStringSubmatch(lines[start])
		if m == nil {
			continue
		}
		if q := parseFrom(lines, start, m[1]); q != nil {
			found = q
		}
	}
	return found
}

func parseFrom(lines []string, start int, header string) *Question {
	i := start + 1
	if i >= len(lines) || strings.TrimSpace(lines[i]) != "" {
		return nil
	}
	i++

	var questionText string
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			i++
			continue
		}
		if !strings.HasSuffix(trimmed, "?") {
			return nil
		}
		questionText = trimmed
		i++
		break
	}
	if questionText == "" {
		return nil
	}

	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}

	var options []Option
	for i < len(lines) {
		m := optionLine.FindStringSubmatch(lines[i])
		if m == nil {
			break
		}
		opt := Option{Number: m[1], Label: m[2]}
		if freeTextLabel.MatchString(strings.TrimSpace(opt.Label)) {
			opt.FreeText = true
		}
		i++
		if i < len(lines) {
			if dm := descLine.FindStringSubmatch(lines[i]); dm != nil {
				opt.Description = dm[1]
				i++
			}
		}
		options = append(options, opt)
	}

	if len(options) == 0 {
		return nil
	}

	return &Question{
		Header:   header,
		Question: questionText,
		Options:  options,
	}
}
