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

package upload

import (
	"context"
	"strings"

	"github.com/outsourcingwarehouse/depot-tools/gitcl/gitcmd"
)

// GenerateChangeID produces a Gerrit Change-Id for a new change the same
// way the commit-msg hook does: hash a synthetic commit object built from
// the current tree, HEAD and the author/committer idents.
//
// The parent line is skipped on an unborn branch, where HEAD resolves to
// nothing.
func GenerateChangeID(ctx context.Context, r gitcmd.Runner, message string) (string, error) {
	tree, err := r.Run(ctx, "write-tree")
	if err != nil {
		return "", err
	}
	lines := []string{"tree " + tree}

	if parent, err := gitcmd.RevParse(ctx, r, "HEAD~0"); err == nil {
		lines = append(lines, "parent "+parent)
	}

	author, err := r.Run(ctx, "var", "GIT_AUTHOR_IDENT")
	if err != nil {
		return "", err
	}
	committer, err := r.Run(ctx, "var", "GIT_COMMITTER_IDENT")
	if err != nil {
		return "", err
	}
	lines = append(lines, "author "+author, "committer "+committer, "", message)

	hash, err := r.RunWithStdin(ctx, strings.Join(lines, "\n"),
		"hash-object", "-t", "commit", "--stdin")
	if err != nil {
		return "", err
	}
	return "I" + hash, nil
}
