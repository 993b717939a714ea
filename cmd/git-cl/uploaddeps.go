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

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/stack"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/upload"
)

func cmdUploadDeps(defaultAuthOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "upload-deps [flags]",
		ShortDesc: "uploads every branch depending on the current one",
		LongDesc: `Uploads every branch depending on the current one.

Walks the branches whose upstream chain leads to the current branch and
uploads each in turn, so a rebase low in a branch stack propagates to all
dependent changes. Asks for confirmation before touching anything.`,
		CommandRun: func() subcommands.CommandRun {
			r := &uploadDepsRun{}
			r.registerBaseFlags(defaultAuthOpts)
			return r
		},
	}
}

type uploadDepsRun struct {
	baseCommandRun
}

func (r *uploadDepsRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	git := &gitcmd.ExecRunner{}
	return r.done(ctx, r.uploadDeps(ctx, git))
}

func (r *uploadDepsRun) uploadDeps(ctx context.Context, git gitcmd.Runner) error {
	root, err := gitcmd.CurrentBranch(ctx, git)
	if err != nil {
		return err
	}
	refs, err := gitcmd.BranchUpstreams(ctx, git)
	if err != nil {
		return err
	}
	deps, err := stack.Descendants(root, stack.ParseUpstreams(refs))
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		return errors.Fmt("branch %q has no dependent branches", root)
	}

	fmt.Printf("Dependent branches of %s:\n", root)
	for _, b := range deps {
		fmt.Printf("  %s\n", b)
	}
	if !confirm(fmt.Sprintf("Upload %d dependent branches?", len(deps))) {
		return upload.ErrUserAbort
	}

	// Come back to where the user started, whatever happens below.
	defer func() {
		if _, err := git.Run(ctx, "checkout", root); err != nil {
			logging.Errorf(ctx, "could not return to branch %q: %s", root, err)
		}
	}()

	uploader := &uploadRun{baseCommandRun: r.baseCommandRun}
	for _, branch := range deps {
		fmt.Printf("Uploading %s...\n", branch)
		if _, err := git.Run(ctx, "checkout", branch); err != nil {
			return err
		}
		repo, err := r.loadBranchState(ctx, git, branch)
		if err != nil {
			return err
		}
		if err := uploader.uploadBranch(ctx, repo); err != nil {
			return errors.Fmt("uploading %q: %w", branch, err)
		}
	}
	return nil
}
