// SPDX-License-Identifier: MPL-2.0

package semver

import (
	"strings"
)

type (
	// Selector is anything a manifest's "dependencies" field may specify for a
	// dependency: a version range, a Git URL (optionally pinned to a ref),
	// or a local filesystem path.
	Selector interface {
		// Matches reports whether a resolved Version satisfies this
		// selector. GitSelector and PathSelector always return true --
		// they identify a source, not a version range, so any version the
		// resolver fetches from that source is accepted.
		Matches(v *Version) bool
		String() string
	}

	// VersionSelector is a disjunction of conjunctions of Constraint,
	// e.g. ">=1.0.0 <2.0.0 || ^3.0.0" is two groups joined by "||", the
	// first being the conjunction of ">=1.0.0" and "<2.0.0".
	VersionSelector struct {
		Groups   [][]*Constraint
		Original string
	}

	// GitSelector pins a dependency to a Git repository, optionally at a
	// specific ref (branch, tag, or commit) named after "#".
	GitSelector struct {
		URL      string
		Ref      string
		Original string
	}

	// PathSelector pins a dependency to a local directory, bypassing the
	// resolver's registry and Git fetchers entirely. Develop marks a "-e"
	// selector, installed as a link file instead of a copy.
	PathSelector struct {
		Path     string
		Develop  bool
		Original string
	}
)

// Any matches every version. It is what an empty or "*" selector parses to.
var Any Selector = &VersionSelector{Original: "*"}

// ParseSelector parses the "dependencies" value for a single dependency into
// the Selector it names: a version range, a Git source, or a local path.
func ParseSelector(s string) (Selector, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "*" {
		return &VersionSelector{Original: trimmed}, nil
	}

	if sel, ok := parseGitSelector(trimmed); ok {
		return sel, nil
	}
	if sel, ok := parsePathSelector(trimmed); ok {
		return sel, nil
	}
	return parseVersionSelector(trimmed)
}

func parseGitSelector(s string) (*GitSelector, bool) {
	body := s
	switch {
	case strings.HasPrefix(s, "git+"):
		body = strings.TrimPrefix(s, "git+")
	case strings.HasPrefix(s, "git@"):
		// git@host:owner/repo.git(#ref)? -- already in the shape we want.
	case strings.HasSuffix(stripRef(s), ".git"),
		strings.HasPrefix(s, "https://github.com/"),
		strings.HasPrefix(s, "https://gitlab.com/"),
		strings.HasPrefix(s, "ssh://"):
	default:
		return nil, false
	}

	url, ref := SplitGitRef(body)
	return &GitSelector{URL: url, Ref: ref, Original: s}, true
}

// SplitGitRef separates a Git source string from its optional ref. Both
// "#ref" and a trailing "@ref" are accepted; an "@" inside the host part
// (git@host:...) never counts as a ref separator.
func SplitGitRef(s string) (url, ref string) {
	if idx := strings.LastIndex(s, "#"); idx != -1 {
		return s[:idx], s[idx+1:]
	}
	slash := strings.LastIndexAny(s, "/:")
	if idx := strings.LastIndex(s, "@"); idx > slash && slash != -1 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

func stripRef(s string) string {
	url, _ := SplitGitRef(s)
	return url
}

func parsePathSelector(s string) (*PathSelector, bool) {
	body, develop := s, false
	if rest, found := strings.CutPrefix(s, "-e "); found {
		body, develop = strings.TrimSpace(rest), true
	}
	switch {
	case strings.HasPrefix(body, "./"),
		strings.HasPrefix(body, "../"),
		strings.HasPrefix(body, "/"),
		strings.HasPrefix(body, "file://"):
		return &PathSelector{Path: strings.TrimPrefix(body, "file://"), Develop: develop, Original: s}, true
	default:
		return nil, false
	}
}

func parseVersionSelector(s string) (*VersionSelector, error) {
	var groups [][]*Constraint
	for _, clause := range strings.Split(s, "||") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, &SelectorParseError{Input: s, Reason: "empty clause"}
		}

		fields := strings.Fields(clause)
		group := make([]*Constraint, 0, len(fields))
		for _, f := range fields {
			c, err := ParseConstraint(f)
			if err != nil {
				return nil, &SelectorParseError{Input: s, Reason: err.Error()}
			}
			group = append(group, c)
		}
		groups = append(groups, group)
	}

	return &VersionSelector{Groups: groups, Original: s}, nil
}

// Matches reports whether v satisfies at least one conjunction group. A
// VersionSelector with no groups ("*" or empty) matches every version.
func (s *VersionSelector) Matches(v *Version) bool {
	if len(s.Groups) == 0 {
		return true
	}
	for _, group := range s.Groups {
		matched := true
		for _, c := range group {
			if !c.Matches(v) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func (s *VersionSelector) String() string { return s.Original }

// Matches always reports true: a GitSelector names a source, not a range.
func (s *GitSelector) Matches(*Version) bool { return true }

func (s *GitSelector) String() string { return s.Original }

// Matches always reports true: a PathSelector names a source, not a range.
func (s *PathSelector) Matches(*Version) bool { return true }

func (s *PathSelector) String() string { return s.Original }

// Best returns the highest version in candidates that satisfies sel, or
// false if none match. Used by selectors backed by a registry listing.
func Best(sel Selector, candidates []string) (string, bool) {
	sorted := SortVersions(candidates)
	for _, vs := range sorted {
		v, err := ParseVersion(vs)
		if err != nil {
			continue
		}
		if sel.Matches(v) {
			return vs, true
		}
	}
	return "", false
}
