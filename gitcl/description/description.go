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

// Package description implements the change description model.
//
// A description is free-form body text optionally followed by trailing
// metadata footers. Two footer dialects coexist:
//
//   - legacy "KEY=value" tags (R=, TBR=, BUG=), and
//   - structured git footers in "Key-Word: value" form (Change-Id:).
//
// When both are present the legacy block always precedes the structured
// block, and the structured block is always the very last paragraph. All
// mutations here preserve the rest of the text byte for byte.
package description

import (
	"regexp"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/git/footer"
)

// changeIDKey is the normalized footer key carrying the Gerrit change
// identifier.
const changeIDKey = "Change-Id"

// preserveTryjobsKey marks a change whose tryjobs must not be canceled on
// new patchset upload.
const preserveTryjobsKey = "Cq-Do-Not-Cancel-Tryjobs"

var (
	// reviewerLine matches legacy reviewer tags, e.g. "R=a@x, b@y" or
	// "TBR=c@z", capturing the tag and the comma separated account list.
	reviewerLine = regexp.MustCompile(`^[ \t]*(TBR|R)[ \t]*=[ \t]*(.*?)[ \t]*$`)

	// legacyFooterLine matches rietveld-era "KEY=value" footer lines.
	legacyFooterLine = regexp.MustCompile(`^[ \t]*[A-Z][A-Z0-9_]*[ \t]*=`)

	// structuredFooterLine matches git footers per the git-footers convention.
	structuredFooterLine = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*: `)

	changeIDLine = regexp.MustCompile(`^\s*` + changeIDKey + `:`)
)

// Description is a mutable change description.
//
// The zero value is an empty description. Internally the text is kept as a
// slice of lines with no trailing newline and no leading or trailing blank
// lines.
type Description struct {
	lines []string
}

// New parses text into a Description.
func New(text string) *Description {
	d := &Description{}
	d.setLines(strings.Split(text, "\n"), false)
	return d
}

// String renders the description without a trailing newline.
func (d *Description) String() string {
	return strings.Join(d.lines, "\n")
}

// Lines returns a copy of the description lines.
func (d *Description) Lines() []string {
	return append([]string(nil), d.lines...)
}

// Subject returns the first line of the description.
func (d *Description) Subject() string {
	if len(d.lines) == 0 {
		return ""
	}
	return d.lines[0]
}

// setLines replaces the content. Leading and trailing blank lines are
// dropped; when rstrip is set each line also loses trailing whitespace,
// mirroring how line-level edits are renormalized.
func (d *Description) setLines(lines []string, rstrip bool) {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if rstrip {
			l = strings.TrimRight(l, " \t")
		}
		out = append(out, l)
	}
	for len(out) > 0 && strings.TrimSpace(out[0]) == "" {
		out = out[1:]
	}
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	d.lines = out
}

// blocks describes the trailing footer zone of the description as index
// ranges into d.lines. The structured block, when present, ends the text;
// the legacy block immediately precedes it, modulo a single blank
// separator. A block that would swallow the whole text is not a footer
// block at all: the first line is always the subject.
type blocks struct {
	legacyStart, legacyEnd int // legacy block is lines[legacyStart:legacyEnd]
	structStart            int // structured block is lines[structStart:]
	n                      int
}

func (b blocks) hasLegacy() bool     { return b.legacyStart < b.legacyEnd }
func (b blocks) hasStructured() bool { return b.structStart < b.n }

func (d *Description) classify() blocks {
	n := len(d.lines)
	b := blocks{legacyStart: n, legacyEnd: n, structStart: n, n: n}

	i := n
	for i > 0 && structuredFooterLine.MatchString(d.lines[i-1]) {
		i--
	}
	if i == 0 {
		// The whole text looks like footers, so none of it is.
		return b
	}
	if i < n {
		b.structStart = i
	}

	// Allow one blank line between the legacy and structured blocks.
	if b.hasStructured() && i > 0 && d.lines[i-1] == "" {
		i--
	}
	j := i
	for j > 0 && legacyFooterLine.MatchString(d.lines[j-1]) {
		j--
	}
	if j == 0 {
		return b
	}
	if j < i {
		b.legacyStart, b.legacyEnd = j, i
	}
	return b
}

// IsFooterLine reports whether line would be classified as a footer when
// appended, either legacy or structured.
func IsFooterLine(line string) bool {
	return legacyFooterLine.MatchString(line) || structuredFooterLine.MatchString(line)
}

// AppendFooter adds a footer line, keeping legacy tags ahead of structured
// git footers and maintaining single blank line separation between the
// body and each block.
func (d *Description) AppendFooter(line string) {
	if len(d.lines) == 0 {
		d.lines = []string{line}
		return
	}
	b := d.classify()

	if structuredFooterLine.MatchString(line) {
		// Structured footers always end the description.
		if b.hasStructured() {
			d.lines = append(d.lines, line)
		} else {
			d.lines = append(d.lines, "", line)
		}
		return
	}

	switch {
	case b.hasLegacy():
		// Join the existing legacy block.
		out := make([]string, 0, len(d.lines)+1)
		out = append(out, d.lines[:b.legacyEnd]...)
		out = append(out, line)
		out = append(out, d.lines[b.legacyEnd:]...)
		d.lines = out
	case b.hasStructured():
		// Open a legacy block just ahead of the structured one.
		body := d.lines[:b.structStart]
		for len(body) > 0 && body[len(body)-1] == "" {
			body = body[:len(body)-1]
		}
		out := make([]string, 0, len(d.lines)+3)
		out = append(out, body...)
		if len(out) > 0 {
			out = append(out, "")
		}
		out = append(out, line, "")
		out = append(out, d.lines[b.structStart:]...)
		d.lines = out
	default:
		d.lines = append(d.lines, "", line)
	}
}

// UpdateReviewers rewrites the R=/TBR= legacy tags, merging the accounts
// they already list with the given additions.
//
// All original R=/TBR= lines are removed and replaced by at most one R=
// and one TBR= line (sorted, comma-space joined, empty sets omitted).
// Accounts appearing in the reviewer set are dropped from the TBR set.
// The merged lines land where the first original tag line was, or are
// appended as footers when no tag line survives inside the text.
func (d *Description) UpdateReviewers(reviewers, tbrs []string) {
	if len(reviewers) == 0 && len(tbrs) == 0 {
		return
	}

	rSet := stringset.NewFromSlice(reviewers...)
	tbrSet := stringset.NewFromSlice(tbrs...)
	byTag := map[string]stringset.Set{"R": rSet, "TBR": tbrSet}

	firstLoc := -1
	kept := make([]string, 0, len(d.lines))
	for i, l := range d.lines {
		m := reviewerLine.FindStringSubmatch(l)
		if m == nil {
			kept = append(kept, l)
			continue
		}
		if firstLoc == -1 {
			firstLoc = i
		}
		for _, acct := range strings.Split(m[2], ",") {
			if acct = strings.TrimSpace(acct); acct != "" {
				byTag[m[1]].Add(acct)
			}
		}
	}
	tbrSet = tbrSet.Difference(rSet)

	d.setLines(kept, true)

	var newLines []string
	if rSet.Len() > 0 {
		newLines = append(newLines, "R="+strings.Join(rSet.ToSortedSlice(), ", "))
	}
	if tbrSet.Len() > 0 {
		newLines = append(newLines, "TBR="+strings.Join(tbrSet.ToSortedSlice(), ", "))
	}

	if firstLoc >= 0 && firstLoc < len(d.lines) {
		// Splice the merged tags in at the original location.
		out := make([]string, 0, len(d.lines)+len(newLines))
		out = append(out, d.lines[:firstLoc]...)
		out = append(out, newLines...)
		out = append(out, d.lines[firstLoc:]...)
		d.lines = out
	} else {
		for _, l := range newLines {
			d.AppendFooter(l)
		}
	}
}

// ChangeID returns the value of the Change-Id footer, or "" when the
// description has none (or, ambiguously, several).
func (d *Description) ChangeID() string {
	ids := footer.ParseMessage(d.String())[changeIDKey]
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

// SetChangeID replaces any Change-Id footer with the given identifier.
func (d *Description) SetChangeID(id string) {
	kept := d.lines[:0:0]
	for _, l := range d.lines {
		if !changeIDLine.MatchString(l) {
			kept = append(kept, l)
		}
	}
	d.setLines(kept, false)
	d.AppendFooter(changeIDKey + ": " + id)
}

// PreserveTryjobs ensures the description carries the marker footer that
// keeps tryjobs of previous patchsets running. Appending is a no-op when
// the marker key is already present, whatever its value.
func (d *Description) PreserveTryjobs() {
	if _, ok := footer.ParseMessage(d.String())[preserveTryjobsKey]; ok {
		return
	}
	d.AppendFooter(preserveTryjobsKey + ": true")
}
