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

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/tryjob"
)

func cmdTryResults(defaultAuthOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "try-results [flags]",
		ShortDesc: "prints the tryjob results for the current branch's change",
		CommandRun: func() subcommands.CommandRun {
			r := &tryResultsRun{}
			r.registerBaseFlags(defaultAuthOpts)
			r.Flags.Int64Var(&r.patchset, "patchset", 0, "Patchset to inspect; defaults to the last uploaded one.")
			return r
		},
	}
}

type tryResultsRun struct {
	baseCommandRun
	patchset int64
}

func (r *tryResultsRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	git := &gitcmd.ExecRunner{}
	repo, err := r.loadRepoState(ctx, git)
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, r.printResults(ctx, repo))
}

func (r *tryResultsRun) printResults(ctx context.Context, repo *repoState) error {
	if repo.cl.Issue == 0 {
		return errors.Fmt("branch %q has no uploaded change", repo.branch)
	}
	client, err := r.buildsClient(ctx)
	if err != nil {
		return err
	}
	builds, err := tryjob.Fetch(ctx, client, repo.cl.GerritChange(), r.patchset)
	if err != nil {
		return err
	}

	total := 0
	for _, group := range tryjob.ClassifyByStatus(builds) {
		fmt.Printf("%s:\n", group.Title)
		for _, b := range group.Builds {
			fmt.Printf("  %s/%s/%s  https://ci.chromium.org/b/%d\n",
				b.GetBuilder().GetProject(), b.GetBuilder().GetBucket(),
				b.GetBuilder().GetBuilder(), b.GetId())
		}
		total += len(group.Builds)
	}
	fmt.Printf("Total: %d tryjobs\n", total)
	return nil
}
