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

package upload

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RefOptions select what the push ref suffix asks the server to do.
type RefOptions struct {
	// WIP marks the uploaded patchset work-in-progress.
	WIP bool
	// Notify overrides the default notification behavior when non-nil.
	// The default notifies everyone for a brand new change and nobody for
	// a new patchset on an existing one.
	Notify *bool
	// Title is the patchset title, percent-encoded into the m= segment.
	Title string
	// Reviewers and CC are account identifiers to add on upload.
	Reviewers []string
	CC        []string
	// Labels are vote segments like "Commit-Queue+1".
	Labels []string
}

// RefSuffix encodes the ref-update option string appended after
// "refs/for/<branch>". newChange says whether this upload creates the
// change or adds a patchset to an existing one.
//
// The returned metrics list records every emitted optional segment in
// emission order; callers report it (sorted) for observability and must
// not feed it back into the protocol.
func RefSuffix(newChange bool, o RefOptions) (suffix string, metrics []string) {
	var segs []string
	notify := newChange
	if o.Notify != nil {
		notify = *o.Notify
	}
	switch {
	case o.WIP:
		segs = append(segs, "wip")
	case !notify:
		segs = append(segs, "notify=NONE")
	default:
		segs = append(segs, "ready", "notify=ALL")
	}
	metrics = append(metrics, segs...)

	if o.Title != "" {
		seg := "m=" + PercentEncodeForGitRef(o.Title)
		segs = append(segs, seg)
		metrics = append(metrics, seg)
	}
	for _, group := range []struct {
		key    string
		values []string
	}{
		{"r", o.Reviewers},
		{"cc", o.CC},
		{"l", o.Labels},
	} {
		values := append([]string(nil), group.values...)
		sort.Strings(values)
		for _, v := range values {
			seg := group.key + "=" + v
			segs = append(segs, seg)
			metrics = append(metrics, seg)
		}
	}
	return "%" + strings.Join(segs, ","), metrics
}

// PercentEncodeForGitRef makes a patchset title safe for a git ref
// component. Alphanumerics survive, everything else becomes a lowercase
// %xx escape, and spaces end up as underscores.
func PercentEncodeForGitRef(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		switch {
		case c == ' ':
			b.WriteByte('_')
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}

var targetRefRewrites = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`^((refs/)?remotes/)?branch-heads/`), "refs/remotes/branch-heads/"},
	{regexp.MustCompile(`^((refs/)?remotes/)?%s/`), "refs/remotes/%s/"},
	{regexp.MustCompile(`^(refs/)?heads/`), "refs/remotes/%s/"},
}

// Refs that are symbolic names for another upstream ref. Uploads against
// them really target the aliased branch.
var aliasedRefs = map[string]string{
	"refs/remotes/origin/lkgr": "refs/remotes/origin/master",
	"refs/remotes/origin/lkcr": "refs/remotes/origin/master",
}

// TargetRef resolves the remote ref an upload pushes to.
//
// remoteBranch is the full upstream tracking ref of the current branch,
// e.g. "refs/remotes/origin/main". targetBranch, when non-empty, is a
// user override in any customary spelling (short name, heads/...,
// branch-heads/...). The result is the server-side ref, one of
// refs/heads/..., refs/branch-heads/... or a verbatim refs/... path.
func TargetRef(remote, remoteBranch, targetBranch string) string {
	if remote == "" || remoteBranch == "" {
		return ""
	}

	if targetBranch != "" {
		if !strings.Contains(targetBranch, "/") {
			remoteBranch = "refs/remotes/" + remote + "/" + targetBranch
		} else {
			matched := false
			for _, rw := range targetRefRewrites {
				pattern := rw.pattern
				if strings.Contains(pattern.String(), "%s") {
					pattern = regexp.MustCompile(fmt.Sprintf(pattern.String(), regexp.QuoteMeta(remote)))
				}
				replacement := rw.replacement
				if strings.Contains(replacement, "%s") {
					replacement = fmt.Sprintf(replacement, remote)
				}
				if loc := pattern.FindString(targetBranch); loc != "" {
					remoteBranch = replacement + targetBranch[len(loc):]
					matched = true
					break
				}
			}
			if !matched {
				// A ref path we do not recognize; trust the user.
				remoteBranch = targetBranch
			}
		}
	} else if aliased, ok := aliasedRefs[remoteBranch]; ok {
		remoteBranch = aliased
	}

	switch {
	case strings.HasPrefix(remoteBranch, "refs/remotes/"+remote+"/refs/"):
		return strings.TrimPrefix(remoteBranch, "refs/remotes/"+remote+"/")
	case strings.HasPrefix(remoteBranch, "refs/remotes/"+remote+"/"):
		return "refs/heads/" + strings.TrimPrefix(remoteBranch, "refs/remotes/"+remote+"/")
	case strings.HasPrefix(remoteBranch, "refs/remotes/branch-heads"):
		return "refs/" + strings.TrimPrefix(remoteBranch, "refs/remotes/")
	}
	return remoteBranch
}
