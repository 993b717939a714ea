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
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/auth/client/authcli"
	"go.chromium.org/luci/common/api/gerrit"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/grpc/prpc"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"

	grpcpb "go.chromium.org/luci/buildbucket/proto/grpcpb"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/changelist"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
	"github.com/outsourcingwarehouse/depot-tools/gitcl/upload"
)

type baseCommandRun struct {
	subcommands.CommandRunBase
	authFlags  authcli.Flags
	bbHost     string
	gerritHost string
}

func (r *baseCommandRun) registerBaseFlags(defaultAuthOpts auth.Options) {
	r.Flags.StringVar(&r.bbHost, "buildbucket-host", "cr-buildbucket.appspot.com",
		"Host of the buildbucket instance scheduling tryjobs.")
	r.Flags.StringVar(&r.gerritHost, "gerrit-host", "",
		"Gerrit host override; derived from the remote URL when empty.")
	r.authFlags.Register(&r.Flags, defaultAuthOpts)
}

func (r *baseCommandRun) done(ctx context.Context, err error) int {
	if err != nil {
		if err == upload.ErrUserAbort {
			logging.Warningf(ctx, "aborted")
			return 1
		}
		logging.Errorf(ctx, "%s", err)
		return 1
	}
	return 0
}

func (r *baseCommandRun) httpClient(ctx context.Context) (*http.Client, error) {
	opts, err := r.authFlags.Options()
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(ctx, auth.SilentLogin, opts).Client()
}

func (r *baseCommandRun) buildsClient(ctx context.Context) (grpcpb.BuildsClient, error) {
	if r.bbHost == "" || strings.ContainsRune(r.bbHost, '/') {
		return nil, errors.Fmt("invalid buildbucket host %q", r.bbHost)
	}
	httpClient, err := r.httpClient(ctx)
	if err != nil {
		return nil, err
	}
	return grpcpb.NewBuildsClient(&prpc.Client{
		C:    httpClient,
		Host: r.bbHost,
	}), nil
}

func (r *baseCommandRun) gerritClient(ctx context.Context, host string) (gerritpb.GerritClient, error) {
	httpClient, err := r.httpClient(ctx)
	if err != nil {
		return nil, err
	}
	return gerrit.NewRESTClient(httpClient, host, true)
}

// repoState is everything about the checkout the commands need.
type repoState struct {
	git         gitcmd.Runner
	branch      string
	remote      string
	upstreamRef string // refs/remotes/<remote>/<branch>
	gerritHost  string
	project     string
	cl          *changelist.Changelist
}

// loadRepoState inspects the checkout: current branch, its tracking
// configuration, the Gerrit host and project behind the remote, and the
// changelist recorded for the branch.
func (r *baseCommandRun) loadRepoState(ctx context.Context, git gitcmd.Runner) (*repoState, error) {
	return r.loadBranchState(ctx, git, "")
}

func (r *baseCommandRun) loadBranchState(ctx context.Context, git gitcmd.Runner, branch string) (*repoState, error) {
	var err error
	if branch == "" {
		if branch, err = gitcmd.CurrentBranch(ctx, git); err != nil {
			return nil, err
		}
		if branch == "HEAD" {
			return nil, errors.New("not on a branch (detached HEAD); check out a branch to upload")
		}
	}

	remote, err := gitcmd.Config(ctx, git, "branch."+branch+".remote")
	if err != nil {
		return nil, err
	}
	if remote == "" {
		remote = "origin"
	}
	merge, err := gitcmd.Config(ctx, git, "branch."+branch+".merge")
	if err != nil {
		return nil, err
	}
	upstreamRef := ""
	if merge != "" {
		upstreamRef = "refs/remotes/" + remote + "/" + strings.TrimPrefix(merge, "refs/heads/")
	}

	remoteURL, err := gitcmd.RemoteURL(ctx, git, remote)
	if err != nil {
		return nil, err
	}
	host := r.gerritHost
	if host == "" {
		host = reviewHostFromRemote(remoteURL)
	}
	if host == "" {
		return nil, errors.Fmt("cannot derive a Gerrit host from remote %q; pass -gerrit-host", remote)
	}
	project := changelist.ProjectFromRemoteURL(remoteURL)

	cl, err := changelist.FromBranch(ctx, git, branch, host, project)
	if err != nil {
		return nil, err
	}

	return &repoState{
		git:         git,
		branch:      branch,
		remote:      remote,
		upstreamRef: upstreamRef,
		gerritHost:  host,
		project:     project,
		cl:          cl,
	}, nil
}

// reviewHostFromRemote derives the review host from a googlesource.com
// fetch URL. Other hosting setups need the -gerrit-host flag.
func reviewHostFromRemote(remoteURL string) string {
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if rest, ok := strings.CutSuffix(u.Host, ".googlesource.com"); ok {
		if strings.HasSuffix(rest, "-review") {
			return u.Host
		}
		return rest + "-review.googlesource.com"
	}
	return ""
}

// confirm asks question on the terminal and reads a y/n answer.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
