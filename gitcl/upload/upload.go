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

// Package upload encodes and executes a Gerrit upload attempt.
//
// One attempt is a sequential pipeline: resolve the upload mode, resolve
// the parent commit, build the squashed commit if squashing, push with an
// encoded ref suffix, and persist a trace of what happened. A failed push
// is never retried in place; the caller starts a fresh attempt.
package upload

import (
	"context"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
)

// ErrUserAbort is returned when the user declines a confirmation prompt.
// It terminates the current command without further side effects.
var ErrUserAbort = errors.New("aborted by user")

// ConfirmFunc asks the user a yes/no question and reports the answer.
type ConfirmFunc func(question string) bool

// Options parameterize one upload attempt.
type Options struct {
	// Squash forces squash or direct mode when non-nil. The
	// gerrit.override-squash-uploads config key beats it either way.
	Squash *bool
	// Base is a custom parent commit for the squashed upload. Empty means
	// the merge base against the upstream tracking ref.
	Base string
	// TargetBranch overrides the branch derived from the upstream ref.
	TargetBranch string
	// Ref carries the ref-suffix options (wip, notify, title, reviewers,
	// cc, labels).
	Ref RefOptions
	// Confirm handles interactive prompts. Nil declines everything.
	Confirm ConfirmFunc
	// TracesDir, when non-empty, receives the push trace artifacts.
	TracesDir string
}

func (o *Options) confirm(question string) bool {
	if o.Confirm == nil {
		return false
	}
	return o.Confirm(question)
}

// ResolveSquash decides between squash and direct upload mode.
//
// gerrit.override-squash-uploads wins unconditionally, then an explicit
// flag, then the gerrit.squash-uploads repository default, then true.
func ResolveSquash(ctx context.Context, r gitcmd.Runner, explicit *bool) (bool, error) {
	if v, err := gitcmd.Config(ctx, r, "gerrit.override-squash-uploads"); err != nil {
		return false, err
	} else if v != "" {
		return parseConfigBool(v), nil
	}
	if explicit != nil {
		return *explicit, nil
	}
	if v, err := gitcmd.Config(ctx, r, "gerrit.squash-uploads"); err != nil {
		return false, err
	} else if v != "" {
		return parseConfigBool(v), nil
	}
	return true, nil
}

func parseConfigBool(v string) bool {
	switch strings.ToLower(v) {
	case "false", "0", "no", "off":
		return false
	}
	return true
}

// ResolveParent picks the parent commit for a squashed upload.
//
// Without a custom base this is the merge base of HEAD and upstream. A
// custom base that is not an ancestor of upstream can rewrite published
// history on the server, so it needs explicit confirmation.
func ResolveParent(ctx context.Context, r gitcmd.Runner, upstream string, opts *Options) (string, error) {
	if opts.Base == "" {
		return gitcmd.MergeBase(ctx, r, "HEAD", upstream)
	}
	parent, err := gitcmd.RevParse(ctx, r, opts.Base)
	if err != nil {
		return "", errors.Fmt("resolving base %q: %w", opts.Base, err)
	}
	ancestor, err := gitcmd.IsAncestor(ctx, r, parent, upstream)
	if err != nil {
		return "", err
	}
	if !ancestor {
		if !opts.confirm("Base " + opts.Base + " is not an ancestor of " + upstream +
			"; the upload may overwrite unrelated server state. Proceed?") {
			return "", ErrUserAbort
		}
	}
	return parent, nil
}

// CheckChangeState guards the push against a change that must not be
// updated. Abandoned changes are fatal; pushing to someone else's change
// merely needs confirmation.
func CheckChangeState(info *gerritpb.ChangeInfo, ownEmail string, opts *Options) error {
	if info.GetStatus() == gerritpb.ChangeStatus_ABANDONED {
		return errors.Fmt("change %d is abandoned; restore it on the server or start a new change", info.GetNumber())
	}
	if owner := info.GetOwner().GetEmail(); owner != "" && ownEmail != "" && owner != ownEmail {
		if !opts.confirm("Change " + strconv.FormatInt(info.GetNumber(), 10) +
			" is owned by " + owner + ". Upload a new patchset anyway?") {
			return ErrUserAbort
		}
	}
	return nil
}

// SquashCommit writes the commit object a squash upload pushes: the
// current tree on top of parent, carrying message. Local history is left
// untouched.
func SquashCommit(ctx context.Context, r gitcmd.Runner, parent, message string) (string, error) {
	tree, err := gitcmd.RevParse(ctx, r, "HEAD^{tree}")
	if err != nil {
		return "", err
	}
	return gitcmd.CommitTree(ctx, r, tree, parent, message)
}

// PushResult is what a push attempt produced, success or not.
type PushResult struct {
	// Output is the interleaved local and remote push output.
	Output string
	// ExitCode is the git exit code, 0 on success.
	ExitCode int
	// DurationSec is the wall-clock push duration in seconds.
	DurationSec float64
}

// Push pushes commit to refs/for/<targetRef><suffix> on remote. The
// result is populated even when the push fails, so the caller can trace
// and surface the remote's message verbatim.
func Push(ctx context.Context, r gitcmd.Runner, remote, commit, targetRef, suffix string) (*PushResult, error) {
	refspec := commit + ":refs/for/" + strings.TrimPrefix(targetRef, "refs/heads/")
	if strings.HasPrefix(targetRef, "refs/") && !strings.HasPrefix(targetRef, "refs/heads/") {
		refspec = commit + ":refs/for/" + targetRef
	}
	refspec += suffix

	start := clock.Now(ctx)
	out, err := r.RunCombined(ctx, "push", remote, refspec)
	res := &PushResult{
		Output:      out,
		ExitCode:    gitcmd.ExitCode(err),
		DurationSec: clock.Since(ctx, start).Seconds(),
	}
	if err != nil {
		logging.Errorf(ctx, "push failed:\n%s", out)
		return res, errors.Fmt("pushing to %s: %w", remote, err)
	}
	return res, nil
}
