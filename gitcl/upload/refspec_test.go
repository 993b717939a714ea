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
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func boolPtr(b bool) *bool { return &b }

func TestRefSuffix(t *testing.T) {
	t.Parallel()

	ftt.Run("RefSuffix", t, func(t *ftt.Test) {
		t.Run("New change notifies everyone", func(t *ftt.Test) {
			suffix, metrics := RefSuffix(true, RefOptions{})
			assert.That(t, suffix, should.Equal("%ready,notify=ALL"))
			assert.That(t, metrics, should.Match([]string{"ready", "notify=ALL"}))
		})

		t.Run("New patchset notifies nobody", func(t *ftt.Test) {
			suffix, _ := RefSuffix(false, RefOptions{})
			assert.That(t, suffix, should.Equal("%notify=NONE"))
		})

		t.Run("Explicit notify flag wins", func(t *ftt.Test) {
			suffix, _ := RefSuffix(false, RefOptions{Notify: boolPtr(true)})
			assert.That(t, suffix, should.Equal("%ready,notify=ALL"))
			suffix, _ = RefSuffix(true, RefOptions{Notify: boolPtr(false)})
			assert.That(t, suffix, should.Equal("%notify=NONE"))
		})

		t.Run("WIP beats notify", func(t *ftt.Test) {
			suffix, _ := RefSuffix(true, RefOptions{WIP: true, Notify: boolPtr(true)})
			assert.That(t, suffix, should.Equal("%wip"))
		})

		t.Run("Full suffix, sorted segments", func(t *ftt.Test) {
			suffix, metrics := RefSuffix(false, RefOptions{
				Title:     "Dogfood fix",
				Reviewers: []string{"b@example.com", "a@example.com"},
				CC:        []string{"c@example.com"},
				Labels:    []string{"Commit-Queue+1"},
			})
			assert.That(t, suffix, should.Equal(
				"%notify=NONE,m=Dogfood_fix,"+
					"r=a@example.com,r=b@example.com,"+
					"cc=c@example.com,l=Commit-Queue+1"))
			assert.That(t, metrics, should.Match([]string{
				"notify=NONE", "m=Dogfood_fix",
				"r=a@example.com", "r=b@example.com",
				"cc=c@example.com", "l=Commit-Queue+1",
			}))
		})
	})
}

func TestPercentEncodeForGitRef(t *testing.T) {
	t.Parallel()

	ftt.Run("PercentEncodeForGitRef", t, func(t *ftt.Test) {
		cases := []struct{ in, out string }{
			{"Title", "Title"},
			{"Two words", "Two_words"},
			{"Don't", "Don%27t"},
			{"under_score", "under%5fscore"},
			{"100%", "100%25"},
			{"", ""},
		}
		for _, c := range cases {
			assert.That(t, PercentEncodeForGitRef(c.in), should.Equal(c.out))
		}
	})
}

func TestTargetRef(t *testing.T) {
	t.Parallel()

	ftt.Run("TargetRef", t, func(t *ftt.Test) {
		cases := []struct {
			remoteBranch, target string
			want                 string
		}{
			{"refs/remotes/origin/master", "", "refs/heads/master"},
			{"refs/remotes/origin/lkgr", "", "refs/heads/master"},
			{"refs/remotes/origin/lkcr", "", "refs/heads/master"},
			{"refs/remotes/branch-heads/123", "", "refs/branch-heads/123"},
			{"refs/remotes/origin/refs/diff/test", "", "refs/diff/test"},
			{"refs/remotes/origin/master", "master", "refs/heads/master"},
			{"refs/remotes/origin/master", "heads/master", "refs/heads/master"},
			{"refs/remotes/origin/master", "refs/heads/master", "refs/heads/master"},
			{"refs/remotes/origin/master", "origin/master", "refs/heads/master"},
			{"refs/remotes/origin/master", "remotes/origin/master", "refs/heads/master"},
			{"refs/remotes/origin/master", "refs/remotes/origin/master", "refs/heads/master"},
			{"refs/remotes/origin/master", "branch-heads/123", "refs/branch-heads/123"},
			{"refs/remotes/origin/master", "remotes/branch-heads/123", "refs/branch-heads/123"},
			{"refs/remotes/origin/master", "refs/remotes/branch-heads/123", "refs/branch-heads/123"},
			{"refs/remotes/origin/master", "refs/diff/test", "refs/diff/test"},
		}
		for _, c := range cases {
			assert.That(t, TargetRef("origin", c.remoteBranch, c.target),
				should.Equal(c.want))
		}
	})

	ftt.Run("TargetRef without an upstream", t, func(t *ftt.Test) {
		assert.Loosely(t, TargetRef("origin", "", "whatever"), should.BeEmpty)
		assert.Loosely(t, TargetRef("", "refs/remotes/origin/master", ""), should.BeEmpty)
	})
}
