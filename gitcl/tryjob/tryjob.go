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

// Package tryjob classifies Buildbucket tryjob results for a change and
// decides which builders need a retry.
package tryjob

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	pb "go.chromium.org/luci/buildbucket/proto"
	grpcpb "go.chromium.org/luci/buildbucket/proto/grpcpb"
)

// userAgentTag identifies this tool in scheduled build properties and tags.
const userAgentTag = "git_cl_try"

// cqExperimentalTag marks builds the CQ launched as experimental.
const cqExperimentalTag = "cq_experimental"

// ParseBucket splits a user-supplied bucket spec into project and bucket.
//
// The canonical form is "project/bucket". The legacy forms
// "luci.<project>.<bucket>" and "<project>.<rest>" still parse, with a
// warning steering users to the canonical spelling. Anything else yields
// two empty strings.
func ParseBucket(ctx context.Context, raw string) (project, bucket string) {
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	if rest, ok := strings.CutPrefix(raw, "luci."); ok {
		if i := strings.IndexByte(rest, '.'); i >= 0 {
			project, bucket = rest[:i], rest[i+1:]
		}
	} else if i := strings.IndexByte(raw, '.'); i >= 0 {
		project, bucket = raw[:i], raw
	}
	if project != "" {
		logging.Warningf(ctx, "please use %q to specify the bucket", project+"/"+bucket)
	}
	return project, bucket
}

// StatusGroup is one display bucket of build results.
type StatusGroup struct {
	Title  string
	Builds []*pb.Build
}

// statusBuckets is the fixed display order. Anything not listed lands in
// the trailing "Other" bucket.
var statusBuckets = []struct {
	title  string
	status pb.Status
}{
	{"Successes", pb.Status_SUCCESS},
	{"Infra Failures", pb.Status_INFRA_FAILURE},
	{"Failures", pb.Status_FAILURE},
	{"Canceled", pb.Status_CANCELED},
	{"Started", pb.Status_STARTED},
	{"Scheduled", pb.Status_SCHEDULED},
}

// ClassifyByStatus partitions builds into the display buckets, preserving
// input order inside each bucket. Empty buckets are omitted. The total
// build count across all returned groups equals len(builds).
func ClassifyByStatus(builds []*pb.Build) []StatusGroup {
	byStatus := map[pb.Status][]*pb.Build{}
	var other []*pb.Build
	for _, b := range builds {
		known := false
		for _, bucket := range statusBuckets {
			if b.Status == bucket.status {
				known = true
				break
			}
		}
		if known {
			byStatus[b.Status] = append(byStatus[b.Status], b)
		} else {
			other = append(other, b)
		}
	}

	var out []StatusGroup
	for _, bucket := range statusBuckets {
		if builds := byStatus[bucket.status]; len(builds) > 0 {
			out = append(out, StatusGroup{bucket.title, builds})
		}
	}
	if len(other) > 0 {
		out = append(out, StatusGroup{"Other", other})
	}
	return out
}

func isExperimental(b *pb.Build) bool {
	for _, t := range b.GetTags() {
		if t.Key == cqExperimentalTag && t.Value == "true" {
			return true
		}
	}
	return false
}

// FilterFailedForRetry returns the builders worth re-triggering, at most
// one entry per (project, bucket, builder) identity, sorted by identity.
//
// Builds are grouped by builder identity regardless of the experimental
// tag; within a group only the build with the latest creation time
// decides. A builder is retried iff that latest build failed (regular or
// infra failure), nothing in the group is still running or pending, and
// the latest build was not a CQ experimental one.
func FilterFailedForRetry(builds []*pb.Build) []*pb.BuilderID {
	grouped := map[string][]*pb.Build{}
	var order []string
	for _, b := range builds {
		key := b.GetBuilder().GetProject() + "/" + b.GetBuilder().GetBucket() + "/" + b.GetBuilder().GetBuilder()
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], b)
	}
	sort.Strings(order)

	var out []*pb.BuilderID
	for _, key := range order {
		group := grouped[key]
		pending := false
		for _, b := range group {
			if b.Status == pb.Status_STARTED || b.Status == pb.Status_SCHEDULED {
				pending = true
				break
			}
		}
		if pending {
			continue
		}
		// If the builder ran several times, retry only if the latest run
		// failed: an earlier failure followed by a success is just a flake.
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].GetCreateTime().AsTime().Before(group[j].GetCreateTime().AsTime())
		})
		last := group[len(group)-1]
		if last.Status != pb.Status_FAILURE && last.Status != pb.Status_INFRA_FAILURE {
			continue
		}
		if isExperimental(last) {
			continue
		}
		out = append(out, last.Builder)
	}
	return out
}

// ScheduleOptions tune the schedule requests built for a set of jobs.
type ScheduleOptions struct {
	// Category overrides the default "category" property.
	Category string
	// Revision pins all jobs to a gitiles commit at this revision.
	Revision string
	// RetryFailed tags the scheduled builds as automated retries.
	RetryFailed bool
	// Properties are extra input properties merged into each request.
	Properties map[string]*structpb.Value
}

// MakeScheduleRequests assembles one ScheduleBuild request per job.
//
// Each request carries the change's gerrit descriptor (with patchset
// overriding the change's own when non-zero), a category property, the
// builder/user_agent tag pair and a fresh unique request identifier.
// Builders whose name suggests a presubmit-only job are forced into
// dry-run. Request identifiers are never reused across retries: callers
// rebuild requests for every attempt.
func MakeScheduleRequests(change *pb.GerritChange, jobs []*pb.BuilderID, opts *ScheduleOptions, patchset int64) []*pb.ScheduleBuildRequest {
	if opts == nil {
		opts = &ScheduleOptions{}
	}
	category := opts.Category
	if category == "" {
		category = userAgentTag
	}

	shared := proto.Clone(change).(*pb.GerritChange)
	if patchset > 0 {
		shared.Patchset = patchset
	}

	var out []*pb.ScheduleBuildRequest
	for _, job := range jobs {
		props := map[string]*structpb.Value{
			"category": structpb.NewStringValue(category),
		}
		for k, v := range opts.Properties {
			props[k] = v
		}
		if strings.Contains(strings.ToLower(job.GetBuilder()), "presubmit") {
			props["dry_run"] = structpb.NewStringValue("true")
		}

		tags := []*pb.StringPair{
			{Key: "builder", Value: job.GetBuilder()},
			{Key: "user_agent", Value: userAgentTag},
		}
		if opts.RetryFailed {
			tags = append(tags, &pb.StringPair{Key: "retry_failed", Value: "1"})
		}

		req := &pb.ScheduleBuildRequest{
			RequestId:     uuid.New().String(),
			Builder:       proto.Clone(job).(*pb.BuilderID),
			GerritChanges: []*pb.GerritChange{proto.Clone(shared).(*pb.GerritChange)},
			Properties:    &structpb.Struct{Fields: props},
			Tags:          tags,
		}
		if opts.Revision != "" {
			req.GitilesCommit = &pb.GitilesCommit{
				Host:    shared.Host,
				Project: shared.Project,
				Id:      opts.Revision,
			}
		}
		out = append(out, req)
	}
	return out
}

// BatchScheduleRequest wraps schedule requests into one Batch RPC request.
func BatchScheduleRequest(reqs []*pb.ScheduleBuildRequest) *pb.BatchRequest {
	batch := &pb.BatchRequest{}
	for _, r := range reqs {
		batch.Requests = append(batch.Requests, &pb.BatchRequest_Request{
			Request: &pb.BatchRequest_Request_ScheduleBuild{ScheduleBuild: r},
		})
	}
	return batch
}

// Fetch returns the tryjobs previously launched for the given change and
// patchset, with just the fields status classification needs.
func Fetch(ctx context.Context, client grpcpb.BuildsClient, change *pb.GerritChange, patchset int64) ([]*pb.Build, error) {
	gc := proto.Clone(change).(*pb.GerritChange)
	if patchset > 0 {
		gc.Patchset = patchset
	}
	res, err := client.SearchBuilds(ctx, &pb.SearchBuildsRequest{
		Predicate: &pb.BuildPredicate{
			GerritChanges:       []*pb.GerritChange{gc},
			IncludeExperimental: true,
		},
		Fields: &fieldmaskpb.FieldMask{Paths: []string{
			"builds.*.id",
			"builds.*.builder",
			"builds.*.status",
			"builds.*.create_time",
			"builds.*.tags",
		}},
	})
	if err != nil {
		return nil, errors.Fmt("searching builds for change %d patchset %d: %w", gc.Change, gc.Patchset, err)
	}
	return res.GetBuilds(), nil
}
