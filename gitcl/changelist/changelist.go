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

// Package changelist ties a local branch to its Gerrit change.
//
// The association lives in per-branch git config keys, the same keys a
// previous upload wrote. A branch without an issue number is a change
// that was never uploaded.
package changelist

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/sync/parallel"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"

	pb "go.chromium.org/luci/buildbucket/proto"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
)

// Per-branch config keys recording where the branch was uploaded.
const (
	issueKey    = "gerritissue"
	patchsetKey = "gerritpatchset"
	serverKey   = "gerritserver"
	squashKey   = "gerritsquashhash"
)

// Changelist is the Gerrit change a local branch maps to.
type Changelist struct {
	// Branch is the short local branch name.
	Branch string
	// Issue is the Gerrit change number, 0 when never uploaded.
	Issue int64
	// Patchset is the last uploaded patchset number.
	Patchset int64
	// Host is the Gerrit host, e.g. "chromium-review.googlesource.com".
	Host string
	// Project is the Gerrit project, e.g. "chromium/src".
	Project string
}

func branchKey(branch, key string) string {
	return "branch." + branch + "." + key
}

// FromBranch loads the changelist recorded for a branch from git config.
// A branch that was never uploaded yields a Changelist with Issue == 0.
func FromBranch(ctx context.Context, r gitcmd.Runner, branch, host, project string) (*Changelist, error) {
	cl := &Changelist{Branch: branch, Host: host, Project: project}

	if v, err := gitcmd.Config(ctx, r, branchKey(branch, issueKey)); err != nil {
		return nil, err
	} else if v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Fmt("branch %q: bad issue number %q: %w", branch, v, err)
		}
		cl.Issue = n
	}

	if v, err := gitcmd.Config(ctx, r, branchKey(branch, patchsetKey)); err != nil {
		return nil, err
	} else if v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Fmt("branch %q: bad patchset number %q: %w", branch, v, err)
		}
		cl.Patchset = n
	}

	if v, err := gitcmd.Config(ctx, r, branchKey(branch, serverKey)); err != nil {
		return nil, err
	} else if v != "" {
		if u, err := url.Parse(v); err == nil && u.Host != "" {
			cl.Host = u.Host
		}
	}

	return cl, nil
}

// Save records the issue, patchset and server back into git config so the
// next invocation on this branch finds the same change.
func (cl *Changelist) Save(ctx context.Context, r gitcmd.Runner) error {
	pairs := []struct{ key, value string }{
		{issueKey, strconv.FormatInt(cl.Issue, 10)},
		{patchsetKey, strconv.FormatInt(cl.Patchset, 10)},
		{serverKey, "https://" + cl.Host},
	}
	for _, p := range pairs {
		if err := gitcmd.SetConfig(ctx, r, branchKey(cl.Branch, p.key), p.value); err != nil {
			return err
		}
	}
	return nil
}

// SquashHash returns the commit hash of the last squashed upload for this
// branch, or "" when there was none.
func (cl *Changelist) SquashHash(ctx context.Context, r gitcmd.Runner) (string, error) {
	return gitcmd.Config(ctx, r, branchKey(cl.Branch, squashKey))
}

// SetSquashHash records the squashed commit of a successful upload.
func (cl *Changelist) SetSquashHash(ctx context.Context, r gitcmd.Runner, hash string) error {
	return gitcmd.SetConfig(ctx, r, branchKey(cl.Branch, squashKey), hash)
}

// GerritChange returns the change as a Buildbucket descriptor.
func (cl *Changelist) GerritChange() *pb.GerritChange {
	return &pb.GerritChange{
		Host:     cl.Host,
		Project:  cl.Project,
		Change:   cl.Issue,
		Patchset: cl.Patchset,
	}
}

// URL returns the short change URL, or "" when the change was never
// uploaded.
func (cl *Changelist) URL() string {
	if cl.Issue == 0 {
		return ""
	}
	return "https://" + cl.Host + "/" + strconv.FormatInt(cl.Issue, 10)
}

// ProjectFromRemoteURL extracts the Gerrit project from a remote fetch
// URL, stripping authenticated path prefixes and the ".git" suffix.
func ProjectFromRemoteURL(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return ""
	}
	p := strings.Trim(u.Path, "/")
	p = strings.TrimPrefix(p, "a/")
	return strings.TrimSuffix(p, ".git")
}

// ChangeFetcher is the subset of the Gerrit API this package reads.
// *gerrit.Client from common/api/gerrit implements it.
type ChangeFetcher interface {
	GetChange(ctx context.Context, req *gerritpb.GetChangeRequest, opts ...grpc.CallOption) (*gerritpb.ChangeInfo, error)
}

// FetchDetail retrieves the change with the fields the status heuristic
// inspects.
func (cl *Changelist) FetchDetail(ctx context.Context, client ChangeFetcher) (*gerritpb.ChangeInfo, error) {
	if cl.Issue == 0 {
		return nil, errors.Fmt("branch %q has no associated change", cl.Branch)
	}
	info, err := client.GetChange(ctx, &gerritpb.GetChangeRequest{
		Number: cl.Issue,
		Options: []gerritpb.QueryOption{
			gerritpb.QueryOption_LABELS,
			gerritpb.QueryOption_CURRENT_REVISION,
			gerritpb.QueryOption_DETAILED_ACCOUNTS,
			gerritpb.QueryOption_MESSAGES,
		},
	})
	if err != nil {
		return nil, errors.Fmt("fetching change %d from %s: %w", cl.Issue, cl.Host, err)
	}
	return info, nil
}

// Status is the one-word lifecycle summary shown next to each branch.
type Status string

const (
	// StatusUnsent means the branch has no uploaded change yet, or the
	// change has received no review traffic.
	StatusUnsent Status = "unsent"
	// StatusWaiting means the change waits for reviewer input.
	StatusWaiting Status = "waiting"
	// StatusReply means someone other than the owner commented last.
	StatusReply Status = "reply"
	// StatusLGTM means the change carries an approving review vote.
	StatusLGTM Status = "lgtm"
	// StatusDryRun means a CQ dry run is in flight.
	StatusDryRun Status = "dry-run"
	// StatusCommit means the change is queued for submission.
	StatusCommit Status = "commit"
	// StatusClosed means the change was merged or abandoned.
	StatusClosed Status = "closed"
	// StatusError means the change could not be fetched in time.
	StatusError Status = "error"
)

// EvalStatus reduces a fetched change to its one-word status.
//
// CQ state wins over review state: a change in the commit queue reports
// "commit" or "dry-run" even when it also carries an approval.
func EvalStatus(info *gerritpb.ChangeInfo) Status {
	switch info.GetStatus() {
	case gerritpb.ChangeStatus_MERGED, gerritpb.ChangeStatus_ABANDONED:
		return StatusClosed
	}

	maxVote := int32(0)
	for _, a := range info.GetLabels()["Commit-Queue"].GetAll() {
		if a.GetValue() > maxVote {
			maxVote = a.GetValue()
		}
	}
	switch {
	case maxVote >= 2:
		return StatusCommit
	case maxVote == 1:
		return StatusDryRun
	}

	if info.GetLabels()["Code-Review"].GetApproved() != nil {
		return StatusLGTM
	}

	msgs := info.GetMessages()
	if len(msgs) == 0 {
		return StatusUnsent
	}
	last := msgs[len(msgs)-1]
	owner := info.GetOwner().GetAccountId()
	if last.GetAuthor().GetAccountId() != owner {
		return StatusReply
	}
	return StatusWaiting
}

// FetchStatuses resolves the status of every changelist concurrently.
//
// Result i corresponds to cls[i]. Changes that cannot be fetched before
// timeout elapses report StatusError rather than failing the whole batch.
// Changelists without an issue are StatusUnsent without a fetch.
func FetchStatuses(ctx context.Context, client ChangeFetcher, cls []*Changelist, workers int, timeout time.Duration) []Status {
	out := make([]Status, len(cls))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Each worker writes only its own slot, and errors surface per-slot as
	// StatusError. The pool itself never fails.
	_ = parallel.WorkPool(workers, func(work chan<- func() error) {
		for i, cl := range cls {
			i, cl := i, cl
			work <- func() error {
				if cl.Issue == 0 {
					out[i] = StatusUnsent
					return nil
				}
				info, err := cl.FetchDetail(ctx, client)
				if err != nil {
					out[i] = StatusError
					return nil
				}
				out[i] = EvalStatus(info)
				return nil
			}
		}
	})
	return out
}
