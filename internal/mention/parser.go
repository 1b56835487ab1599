// Package mention analyzes @owner/slug references typed inline in query
// text. All functions are pure: they never mutate their inputs and never
// fail on malformed text.
package mention

import (
	"regexp"
	"strings"

	"github.com/askgrid/askd/model"
)

// Mention parse phases.
const (
	PhaseIdle  = "idle"
	PhaseOwner = "owner"
	PhaseSlug  = "slug"
)

// State describes the mention in progress at a cursor position.
// Start is the byte offset of the '@' and is meaningful only when the phase
// is owner or slug.
type State struct {
	Phase string
	Owner string
	Slug  string
	Start int
}

// Mention is a completed @owner/slug reference extracted from text.
type Mention struct {
	Owner string
	Slug  string
	Path  string
}

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)/([a-zA-Z0-9_-]+)`)

// isWordChar reports whether c may appear in an owner or slug segment.
func isWordChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ParseAt inspects the text at the given cursor offset and reports whether
// the cursor sits inside an unfinished @owner or @owner/slug mention.
// Cursor offsets outside [0, len(text)] are clamped.
func ParseAt(text string, cursor int) State {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(text) {
		cursor = len(text)
	}

	// Walk backward to the nearest '@', giving up at whitespace.
	at := -1
	for i := cursor - 1; i >= 0; i-- {
		c := text[i]
		if c == '@' {
			at = i
			break
		}
		if isSpace(c) {
			return State{Phase: PhaseIdle}
		}
	}
	if at < 0 {
		return State{Phase: PhaseIdle}
	}

	// The '@' must open a token: start of string or preceded by whitespace.
	// A backslash escapes it.
	if at > 0 {
		prev := text[at-1]
		if prev == '\\' || !isSpace(prev) {
			return State{Phase: PhaseIdle}
		}
	}

	body := text[at+1 : cursor]
	owner, slug, hasSlug := strings.Cut(body, "/")

	for i := 0; i < len(owner); i++ {
		if !isWordChar(owner[i]) {
			return State{Phase: PhaseIdle}
		}
	}
	if !hasSlug {
		return State{Phase: PhaseOwner, Owner: owner, Start: at}
	}
	// A second '/' or any other invalid character ends the mention.
	for i := 0; i < len(slug); i++ {
		if !isWordChar(slug[i]) {
			return State{Phase: PhaseIdle}
		}
	}
	return State{Phase: PhaseSlug, Owner: owner, Slug: slug, Start: at}
}

// FilterByOwner returns candidates whose owner username contains the typed
// owner fragment, case-insensitively, capped at max results.
func FilterByOwner(sources []model.CandidateSource, ownerText string, max int) []model.CandidateSource {
	needle := strings.ToLower(ownerText)
	var out []model.CandidateSource
	for _, s := range sources {
		if max > 0 && len(out) >= max {
			break
		}
		if strings.Contains(strings.ToLower(s.OwnerUsername), needle) {
			out = append(out, s)
		}
	}
	return out
}

// FilterBySlug returns candidates belonging to the given owner whose slug or
// name contains the typed slug fragment, case-insensitively, capped at max
// results.
func FilterBySlug(sources []model.CandidateSource, owner, slugText string, max int) []model.CandidateSource {
	needle := strings.ToLower(slugText)
	var out []model.CandidateSource
	for _, s := range sources {
		if max > 0 && len(out) >= max {
			break
		}
		if !strings.EqualFold(s.OwnerUsername, owner) {
			continue
		}
		if strings.Contains(strings.ToLower(s.Slug), needle) ||
			strings.Contains(strings.ToLower(s.Name), needle) {
			out = append(out, s)
		}
	}
	return out
}

// Complete replaces the in-progress mention span [st.Start, cursor) with the
// committed text and returns the new text and cursor position.
func Complete(text string, cursor int, st State, committed string) (string, int) {
	if st.Phase == PhaseIdle || st.Start < 0 || st.Start > len(text) {
		return text, cursor
	}
	if cursor < st.Start {
		cursor = st.Start
	}
	if cursor > len(text) {
		cursor = len(text)
	}
	out := text[:st.Start] + committed + text[cursor:]
	return out, st.Start + len(committed)
}

// CompleteOwner commits an owner selection, leaving the cursor after the
// trailing slash so the user can continue typing the slug.
func CompleteOwner(text string, cursor int, st State, owner string) (string, int) {
	return Complete(text, cursor, st, "@"+owner+"/")
}

// CompleteSource commits a full source selection followed by a space.
func CompleteSource(text string, cursor int, st State, owner, slug string) (string, int) {
	return Complete(text, cursor, st, "@"+owner+"/"+slug+" ")
}

// Extract returns every completed @owner/slug mention in the text, in order
// of appearance. Used to reconcile which sources are still anchored by
// visible mentions after edits.
func Extract(text string) []Mention {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Mention, 0, len(matches))
	for _, m := range matches {
		out = append(out, Mention{
			Owner: m[1],
			Slug:  m[2],
			Path:  m[1] + "/" + m[2],
		})
	}
	return out
}
