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
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/flag/stringlistflag"
	"go.chromium.org/luci/common/flag/stringmapflag"
	"go.chromium.org/luci/common/logging"

	pb "go.chromium.org/luci/buildbucket/proto"
	grpcpb "go.chromium.org/luci/buildbucket/proto/grpcpb"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/tryjob"
)

func cmdTry(defaultAuthOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "try [flags]",
		ShortDesc: "triggers tryjobs for the current branch's change",
		LongDesc: `Triggers tryjobs for the current branch's change.

Builders are named with -B project/bucket plus one -b per builder, or
derived from previous failures with -retry-failed.`,
		CommandRun: func() subcommands.CommandRun {
			r := &tryRun{}
			r.registerBaseFlags(defaultAuthOpts)
			r.Flags.StringVar(&r.bucket, "B", "", "Bucket of the builders, as project/bucket.")
			r.Flags.Var(&r.builders, "b", "Builder to trigger; may be used multiple times.")
			r.Flags.Var(&r.properties, "p", "key=value property passed to the builds; may be used multiple times.")
			r.Flags.StringVar(&r.revision, "r", "", "Revision to build, pinned as a gitiles commit.")
			r.Flags.BoolVar(&r.retryFailed, "retry-failed", false, "Re-trigger the builders whose latest build failed.")
			r.Flags.StringVar(&r.category, "category", "", "Value of the category property.")
			return r
		},
	}
}

type tryRun struct {
	baseCommandRun
	bucket      string
	builders    stringlistflag.Flag
	properties  stringmapflag.Value
	revision    string
	retryFailed bool
	category    string
}

func (r *tryRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	git := &gitcmd.ExecRunner{}
	repo, err := r.loadRepoState(ctx, git)
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, r.try(ctx, repo))
}

func (r *tryRun) try(ctx context.Context, repo *repoState) error {
	if repo.cl.Issue == 0 {
		return errors.Fmt("branch %q has no uploaded change; run upload first", repo.branch)
	}
	client, err := r.buildsClient(ctx)
	if err != nil {
		return err
	}

	var jobs []*pb.BuilderID
	patchset := repo.cl.Patchset
	switch {
	case r.retryFailed:
		jobs, patchset, err = r.failedJobs(ctx, client, repo)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return errors.New("no failed tryjobs to retry")
		}
	case len(r.builders) > 0:
		project, bucket := tryjob.ParseBucket(ctx, r.bucket)
		if project == "" || bucket == "" {
			return errors.Fmt("bucket %q is not of the form project/bucket", r.bucket)
		}
		for _, b := range r.builders {
			jobs = append(jobs, &pb.BuilderID{Project: project, Bucket: bucket, Builder: b})
		}
	default:
		return errors.New("nothing to trigger; pass -b or -retry-failed")
	}

	opts := &tryjob.ScheduleOptions{
		Category:    r.category,
		Revision:    r.revision,
		RetryFailed: r.retryFailed,
	}
	if len(r.properties) > 0 {
		opts.Properties = map[string]*structpb.Value{}
		for k, v := range r.properties {
			opts.Properties[k] = structpb.NewStringValue(v)
		}
	}

	reqs := tryjob.MakeScheduleRequests(repo.cl.GerritChange(), jobs, opts, patchset)
	res, err := client.Batch(ctx, tryjob.BatchScheduleRequest(reqs))
	if err != nil {
		return errors.Fmt("scheduling tryjobs: %w", err)
	}

	failed := 0
	for i, one := range res.GetResponses() {
		if e := one.GetError(); e != nil {
			logging.Errorf(ctx, "%s: %s", jobs[i].GetBuilder(), e.GetMessage())
			failed++
			continue
		}
		b := one.GetScheduleBuild()
		fmt.Printf("Scheduled %s: https://ci.chromium.org/b/%d\n", jobs[i].GetBuilder(), b.GetId())
	}
	if failed > 0 {
		return errors.Fmt("%d of %d tryjobs failed to schedule", failed, len(jobs))
	}
	return nil
}

// failedJobs finds the builders whose latest build on the change failed.
// CQ votes consume a patchset, so when the latest patchset has no builds
// at all the previous one is consulted.
func (r *tryRun) failedJobs(ctx context.Context, client grpcpb.BuildsClient, repo *repoState) ([]*pb.BuilderID, int64, error) {
	patchset := repo.cl.Patchset
	builds, err := tryjob.Fetch(ctx, client, repo.cl.GerritChange(), patchset)
	if err != nil {
		return nil, 0, err
	}
	if len(builds) == 0 && patchset > 1 {
		patchset--
		if builds, err = tryjob.Fetch(ctx, client, repo.cl.GerritChange(), patchset); err != nil {
			return nil, 0, err
		}
	}
	return tryjob.FilterFailedForRetry(builds), patchset, nil
}
