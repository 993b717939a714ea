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
	"sort"
	"strings"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/changelist"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
)

func cmdStatus(defaultAuthOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "status [flags]",
		ShortDesc: "shows the review status of every local branch",
		LongDesc: `Shows the review status of every local branch.

The per-change status comes from the review server and is fetched
concurrently; -fast skips the server round-trips and only prints the
branch to change mapping.`,
		CommandRun: func() subcommands.CommandRun {
			r := &statusRun{}
			r.registerBaseFlags(defaultAuthOpts)
			r.Flags.BoolVar(&r.fast, "fast", false, "Do not talk to the server; print issue mapping only.")
			r.Flags.IntVar(&r.workers, "j", 10, "Number of concurrent status fetches.")
			r.Flags.DurationVar(&r.timeout, "timeout", 15*time.Second,
				"Overall deadline for the status fetches; late ones report error.")
			return r
		},
	}
}

type statusRun struct {
	baseCommandRun
	fast    bool
	workers int
	timeout time.Duration
}

func (r *statusRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	git := &gitcmd.ExecRunner{}
	return r.done(ctx, r.printStatuses(ctx, git))
}

func (r *statusRun) printStatuses(ctx context.Context, git gitcmd.Runner) error {
	repo, err := r.loadRepoState(ctx, git)
	if err != nil {
		return err
	}

	refs, err := gitcmd.BranchUpstreams(ctx, git)
	if err != nil {
		return err
	}
	// The current branch goes first, the rest sorted. Branches without an
	// upstream still show up; they just have no recorded change.
	branches := []string{repo.branch}
	for _, line := range strings.Split(refs, "\n") {
		if fields := strings.Fields(line); len(fields) > 0 && fields[0] != repo.branch {
			branches = append(branches, fields[0])
		}
	}
	sort.Strings(branches[1:])

	cls := make([]*changelist.Changelist, len(branches))
	for i, b := range branches {
		if cls[i], err = changelist.FromBranch(ctx, git, b, repo.gerritHost, repo.project); err != nil {
			return err
		}
	}

	statuses := make([]changelist.Status, len(cls))
	if !r.fast {
		gc, err := r.gerritClient(ctx, repo.gerritHost)
		if err != nil {
			return err
		}
		statuses = changelist.FetchStatuses(ctx, gc, cls, r.workers, r.timeout)
	}

	for i, cl := range cls {
		marker := "  "
		if cl.Branch == repo.branch {
			marker = "* "
		}
		line := fmt.Sprintf("%s%-30s", marker, cl.Branch)
		if cl.Issue != 0 {
			line += " " + cl.URL()
		}
		if statuses[i] != "" {
			line += " (" + string(statuses[i]) + ")"
		}
		fmt.Println(line)
	}
	return nil
}
