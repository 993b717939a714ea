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

// Package gitcmd wraps the git plumbing commands the tool invokes.
//
// Everything here shells out to the git binary; no on-disk object
// manipulation happens in-process. Higher layers consume the Runner
// interface so tests can substitute a fake.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	luerr "go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// Runner executes git commands in some repository.
type Runner interface {
	// Run executes git with the given arguments and returns its trimmed
	// stdout. A non-zero exit yields an error wrapping the process state,
	// with stderr folded into the message.
	Run(ctx context.Context, args ...string) (string, error)
	// RunWithStdin is Run with the given string piped to stdin.
	RunWithStdin(ctx context.Context, stdin string, args ...string) (string, error)
	// RunCombined executes git and returns interleaved stdout+stderr,
	// which is returned even when the command fails. Needed for push,
	// whose interesting remote output arrives on stderr.
	RunCombined(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs git via os/exec in the given directory.
type ExecRunner struct {
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env appends to the inherited environment, e.g. GIT_TRACE2_EVENT.
	Env []string
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) command(ctx context.Context, args []string) *exec.Cmd {
	logging.Debugf(ctx, "running git %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	return cmd
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.RunWithStdin(ctx, "", args...)
}

func (r *ExecRunner) RunWithStdin(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := r.command(ctx, args)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return strings.TrimSpace(stdout.String()), luerr.Fmt(
			"git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *ExecRunner) RunCombined(ctx context.Context, args ...string) (string, error) {
	cmd := r.command(ctx, args)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		err = luerr.Fmt("git %s: %w", args[0], err)
	}
	return out.String(), err
}

// ExitCode extracts the process exit code from an error returned by a
// Runner: 0 for nil, the real code for process failures, -1 otherwise.
// Anything in the chain with an ExitCode method counts, which covers
// exec.ExitError and fakes alike.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit interface{ ExitCode() int }
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}

// Config reads a git config value; an unset key is "" without error.
func Config(ctx context.Context, r Runner, key string) (string, error) {
	out, err := r.Run(ctx, "config", key)
	if err != nil {
		if ExitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// SetConfig writes a git config value.
func SetConfig(ctx context.Context, r Runner, key, value string) error {
	_, err := r.Run(ctx, "config", key, value)
	return err
}

// RevParse resolves a revision expression to a full object hash.
func RevParse(ctx context.Context, r Runner, rev string) (string, error) {
	return r.Run(ctx, "rev-parse", rev)
}

// CurrentBranch returns the short name of the checked out branch.
func CurrentBranch(ctx context.Context, r Runner) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// MergeBase returns the merge base of two revisions.
func MergeBase(ctx context.Context, r Runner, a, b string) (string, error) {
	return r.Run(ctx, "merge-base", a, b)
}

// IsAncestor reports whether ancestor is an ancestor of ref.
func IsAncestor(ctx context.Context, r Runner, ancestor, ref string) (bool, error) {
	_, err := r.Run(ctx, "merge-base", "--is-ancestor", ancestor, ref)
	switch {
	case err == nil:
		return true, nil
	case ExitCode(err) == 1:
		return false, nil
	default:
		return false, err
	}
}

// CommitTree writes a commit object for tree with the given parent and
// message, and returns its hash. The commit is created without touching
// the checked out branch.
func CommitTree(ctx context.Context, r Runner, tree, parent, message string) (string, error) {
	return r.RunWithStdin(ctx, message, "commit-tree", tree, "-p", parent, "-F", "-")
}

// RevList lists the commits in the given range, newest first.
func RevList(ctx context.Context, r Runner, spec string) ([]string, error) {
	out, err := r.Run(ctx, "rev-list", spec)
	if err != nil || out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}

// BranchUpstreams dumps "branch upstream" pairs for all local branches.
func BranchUpstreams(ctx context.Context, r Runner) (string, error) {
	return r.Run(ctx, "for-each-ref",
		"--format=%(refname:short) %(upstream:short)", "refs/heads")
}

// RemoteURL returns the fetch URL of the given remote.
func RemoteURL(ctx context.Context, r Runner, remote string) (string, error) {
	return Config(ctx, r, "remote."+remote+".url")
}
