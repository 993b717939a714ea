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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/flag/stringlistflag"
	"go.chromium.org/luci/common/logging"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/description"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/upload"
)

func cmdUpload(defaultAuthOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "upload [flags]",
		ShortDesc: "uploads the current branch to Gerrit",
		LongDesc: `Uploads the current branch to Gerrit.

By default the branch's commits are squashed into a single server-side
commit per upload; direct mode pushes local history as-is. The change a
branch maps to is remembered in git config, so re-running upload on the
same branch adds a patchset to the same change.`,
		CommandRun: func() subcommands.CommandRun {
			r := &uploadRun{}
			r.registerBaseFlags(defaultAuthOpts)
			r.Flags.BoolVar(&r.wip, "wip", false, "Upload as work-in-progress.")
			r.Flags.BoolVar(&r.sendMail, "send-mail", false, "Notify reviewers even for a new patchset.")
			r.Flags.BoolVar(&r.noSquash, "no-squash", false, "Push local commits as-is instead of squashing.")
			r.Flags.StringVar(&r.base, "base", "", "Custom parent commit for the squashed upload.")
			r.Flags.StringVar(&r.targetBranch, "target-branch", "", "Remote branch to upload to; defaults to the tracked branch.")
			r.Flags.StringVar(&r.title, "title", "", "Patchset title.")
			r.Flags.Var(&r.reviewers, "r", "Reviewer to add; may be used multiple times.")
			r.Flags.Var(&r.cc, "cc", "Account to CC; may be used multiple times.")
			r.Flags.Var(&r.labels, "l", "Label vote like Commit-Queue+1; may be used multiple times.")
			r.Flags.StringVar(&r.tracesDir, "traces-dir", "", "Directory receiving push trace artifacts.")
			return r
		},
	}
}

type uploadRun struct {
	baseCommandRun
	wip          bool
	sendMail     bool
	noSquash     bool
	base         string
	targetBranch string
	title        string
	reviewers    stringlistflag.Flag
	cc           stringlistflag.Flag
	labels       stringlistflag.Flag
	tracesDir    string

	// pushTraceDir is where git drops trace2 packets for this run.
	pushTraceDir string
}

func (r *uploadRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	git := &gitcmd.ExecRunner{}
	if r.tracesDir != "" {
		if td, err := os.MkdirTemp("", "git-cl-push-trace"); err == nil {
			r.pushTraceDir = td
			git.Env = []string{"GIT_TRACE2_EVENT=" + filepath.Join(td, "trace")}
		}
	}
	repo, err := r.loadRepoState(ctx, git)
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, r.uploadBranch(ctx, repo))
}

// changeURLRe pulls the change number out of the server's push response.
var changeURLRe = regexp.MustCompile(`https://[^/\s]+/c/[^\s]+/\+/(\d+)`)

func (r *uploadRun) uploadBranch(ctx context.Context, repo *repoState) error {
	if repo.upstreamRef == "" {
		return errors.Fmt("branch %q tracks no upstream; set one with git branch --set-upstream-to", repo.branch)
	}

	opts := &upload.Options{
		Base:         r.base,
		TargetBranch: r.targetBranch,
		Confirm:      confirm,
		TracesDir:    r.tracesDir,
		Ref: upload.RefOptions{
			WIP:       r.wip,
			Title:     r.title,
			Reviewers: r.reviewers,
			CC:        r.cc,
			Labels:    r.labels,
		},
	}
	if r.sendMail {
		yes := true
		opts.Ref.Notify = &yes
	}
	if r.noSquash {
		no := false
		opts.Squash = &no
	}

	squash, err := upload.ResolveSquash(ctx, repo.git, opts.Squash)
	if err != nil {
		return err
	}

	message, err := repo.git.Run(ctx, "log", "-1", "--format=%B", "HEAD")
	if err != nil {
		return err
	}
	desc := description.New(message)
	if desc.ChangeID() == "" {
		id, err := upload.GenerateChangeID(ctx, repo.git, desc.String())
		if err != nil {
			return err
		}
		desc.SetChangeID(id)
	}
	desc.UpdateReviewers(opts.Ref.Reviewers, nil)

	// Guard against pushing to a change that must not move.
	if repo.cl.Issue != 0 {
		gc, err := r.gerritClient(ctx, repo.cl.Host)
		if err != nil {
			return err
		}
		info, err := repo.cl.FetchDetail(ctx, gc)
		if err != nil {
			return err
		}
		email, err := gitcmd.Config(ctx, repo.git, "user.email")
		if err != nil {
			return err
		}
		if err := upload.CheckChangeState(info, email, opts); err != nil {
			return err
		}
	}

	commit := "HEAD"
	if squash {
		parent, err := upload.ResolveParent(ctx, repo.git, repo.upstreamRef, opts)
		if err != nil {
			return err
		}
		if commit, err = upload.SquashCommit(ctx, repo.git, parent, desc.String()); err != nil {
			return err
		}
	}

	target := upload.TargetRef(repo.remote, repo.upstreamRef, r.targetBranch)
	if target == "" {
		return errors.Fmt("cannot resolve the target ref for branch %q", repo.branch)
	}
	suffix, metrics := upload.RefSuffix(repo.cl.Issue == 0, opts.Ref)
	sort.Strings(metrics)
	logging.Debugf(ctx, "ref options: %v", metrics)

	res, pushErr := upload.Push(ctx, repo.git, repo.remote, commit, target, suffix)

	if r.tracesDir != "" && res != nil {
		cfg, _ := repo.git.Run(ctx, "config", "-l")
		home, _ := repo.git.Run(ctx, "config", "http.cookiefile")
		hdr := upload.TraceHeader{
			Now:         clock.Now(ctx),
			GerritHost:  repo.gerritHost,
			ChangeID:    desc.ChangeID(),
			Title:       r.title,
			Description: desc.String(),
			Result:      res,
		}
		if err := upload.PersistTrace(r.tracesDir, hdr, r.pushTraceDir, cfg, home); err != nil {
			logging.Warningf(ctx, "could not persist push trace: %s", err)
		}
	}
	if pushErr != nil {
		return pushErr
	}

	// Remember the change the server assigned or updated.
	if m := changeURLRe.FindStringSubmatch(res.Output); m != nil {
		if repo.cl.Issue == 0 {
			repo.cl.Issue, _ = strconv.ParseInt(m[1], 10, 64)
		}
	}
	repo.cl.Patchset++
	if err := repo.cl.Save(ctx, repo.git); err != nil {
		return err
	}
	if squash {
		if err := repo.cl.SetSquashHash(ctx, repo.git, commit); err != nil {
			return err
		}
	}

	fmt.Printf("Uploaded %s as %s\n", repo.branch, repo.cl.URL())
	return nil
}
