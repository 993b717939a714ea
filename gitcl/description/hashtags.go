// Copyright 2025 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package description

import (
	"regexp"
	"strings"
)

var (
	// revertPrefix strips one layer of 'Revert "..."' / 'Reland: ...'
	// wrapping off a subject line.
	revertPrefix = regexp.MustCompile(`(?i)^\s*(?:revert|reland)(?:: +| ")\s*`)

	// bracketHashTag matches one well-formed leading "[...]" group.
	bracketHashTag = regexp.MustCompile(`^\s*\[([^\[\]]+)\]`)

	// colonHashTag matches a "Words: rest" subject prefix; a "::" token
	// right after the candidate words disqualifies it.
	colonHashTag = regexp.MustCompile(`^([a-zA-Z0-9_\- ]+):($|[^:])`)

	badHashTagChunk = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// HashTags extracts Gerrit hashtags from the subject line.
//
// Bracket groups take priority: every well-formed "[...]" group at the
// start of the (unwrapped) subject yields one tag, left to right. Only
// when there is no bracket group does a "Words: rest" prefix yield a
// single tag. Malformed input yields no tags rather than an error.
func (d *Description) HashTags() []string {
	subject := d.Subject()
	// Unwrap up to two layers of Revert/Reland wrapping.
	for range [2]struct{}{} {
		stripped := revertPrefix.ReplaceAllString(subject, "")
		if stripped == subject {
			break
		}
		subject = stripped
	}

	var tags []string
	rest := subject
	for {
		m := bracketHashTag.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		tags = append(tags, SanitizeHashTag(m[1]))
		rest = rest[len(m[0]):]
	}
	if len(tags) > 0 {
		return tags
	}

	if m := colonHashTag.FindStringSubmatch(subject); m != nil {
		return []string{SanitizeHashTag(m[1])}
	}
	return nil
}

// SanitizeHashTag makes a tag usable as a git push refspec parameter
// value: lowercase, with runs of non-alphanumerics collapsed to single
// hyphens and edge hyphens trimmed.
func SanitizeHashTag(tag string) string {
	return strings.ToLower(strings.Trim(badHashTagChunk.ReplaceAllString(tag, "-"), "-"))
}

// BugLineValues expands a comma separated bug list into the values of a
// "Bug:" footer line. Bare issue numbers get defaultProject as their
// project prefix (when one is configured) and are emitted first, in input
// order; tokens that already carry a "project:" prefix follow verbatim,
// also in input order.
func BugLineValues(defaultProject, bugs string) []string {
	var defaulted, prefixed []string
	for _, bug := range strings.Split(bugs, ",") {
		bug = strings.TrimSpace(bug)
		switch {
		case bug == "":
		case strings.Contains(bug, ":"):
			prefixed = append(prefixed, bug)
		case defaultProject != "":
			defaulted = append(defaulted, defaultProject+":"+bug)
		default:
			defaulted = append(defaulted, bug)
		}
	}
	return append(defaulted, prefixed...)
}
