// Package mention implements group-mention scanning and resolution for
// message bodies. The scanner is a pure function over text; resolution
// against storage happens in Data, which fetches membership only for the
// groups that will actually trigger notification fan-out.
package mention

import (
	"regexp"

	"golang.org/x/text/cases"
)

// Type classifies how a group was mentioned.
type Type string

const (
	// Silent mentions (@_*name*) render the group without notifying it.
	Silent Type = "silent"
	// NonSilent mentions (@*name*) notify the group's members.
	NonSilent Type = "non-silent"
)

// groupMentionRE matches free-standing group mention tokens. The token must
// not be glued to a word character on its left, the optional underscore
// marks the silent form, and the name is a star-free run. Personal mentions
// use the double-star form @**name** and never match here: the name class
// excludes '*', so a second star immediately after the opener kills the
// match.
var groupMentionRE = regexp.MustCompile(`(?:^|[^\w])@(_?)\*([^*]+)\*`)

// foldCaser normalizes group names for case-insensitive comparison.
var foldCaser = cases.Fold()

// FoldName returns the case-insensitive lookup key for a group name.
func FoldName(name string) string {
	return foldCaser.String(name)
}

// PossibleGroupMentions scans content for group mention tokens and returns
// one classification per distinct group name. A name mentioned in both
// forms classifies as non-silent regardless of occurrence order; only a
// name whose every occurrence is silent classifies as silent. Keys keep the
// spelling of the first occurrence; matching is case-insensitive.
func PossibleGroupMentions(content string) map[string]Type {
	out := make(map[string]Type)
	if content == "" {
		return out
	}

	firstSpelling := make(map[string]string)
	for _, m := range groupMentionRE.FindAllStringSubmatch(content, -1) {
		name := m[2]
		kind := NonSilent
		if m[1] == "_" {
			kind = Silent
		}

		key := FoldName(name)
		spelled, seen := firstSpelling[key]
		if !seen {
			firstSpelling[key] = name
			out[name] = kind
			continue
		}
		// Merge rule: non-silent wins, independent of encounter order.
		if kind == NonSilent {
			out[spelled] = NonSilent
		}
	}
	return out
}
