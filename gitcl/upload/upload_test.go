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
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"
)

// exitError mimics a git process failure with a specific exit code.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

// scriptRunner maps space-joined git arguments to canned replies.
type scriptRunner struct {
	replies map[string]string
	errs    map[string]error
	calls   []string
	stdins  []string
}

func (s *scriptRunner) run(args []string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	if err, ok := s.errs[key]; ok {
		return "", err
	}
	out, ok := s.replies[key]
	if !ok {
		return "", fmt.Errorf("unscripted git %q", key)
	}
	return out, nil
}

func (s *scriptRunner) Run(ctx context.Context, args ...string) (string, error) {
	return s.run(args)
}

func (s *scriptRunner) RunWithStdin(ctx context.Context, stdin string, args ...string) (string, error) {
	s.stdins = append(s.stdins, stdin)
	return s.run(args)
}

func (s *scriptRunner) RunCombined(ctx context.Context, args ...string) (string, error) {
	return s.run(args)
}

func TestResolveSquash(t *testing.T) {
	t.Parallel()

	ftt.Run("ResolveSquash", t, func(t *ftt.Test) {
		ctx := context.Background()
		unset := &exitError{code: 1}

		t.Run("Defaults to squash", func(t *ftt.Test) {
			r := &scriptRunner{errs: map[string]error{
				"config gerrit.override-squash-uploads": unset,
				"config gerrit.squash-uploads":          unset,
			}}
			got, err := ResolveSquash(ctx, r, nil)
			assert.NoErr(t, err)
			assert.Loosely(t, got, should.BeTrue)
		})

		t.Run("Repository default", func(t *ftt.Test) {
			r := &scriptRunner{
				replies: map[string]string{"config gerrit.squash-uploads": "false"},
				errs:    map[string]error{"config gerrit.override-squash-uploads": unset},
			}
			got, err := ResolveSquash(ctx, r, nil)
			assert.NoErr(t, err)
			assert.Loosely(t, got, should.BeFalse)
		})

		t.Run("Explicit flag beats repository default", func(t *ftt.Test) {
			r := &scriptRunner{
				replies: map[string]string{"config gerrit.squash-uploads": "false"},
				errs:    map[string]error{"config gerrit.override-squash-uploads": unset},
			}
			got, err := ResolveSquash(ctx, r, boolPtr(true))
			assert.NoErr(t, err)
			assert.Loosely(t, got, should.BeTrue)
		})

		t.Run("Override beats everything", func(t *ftt.Test) {
			r := &scriptRunner{replies: map[string]string{
				"config gerrit.override-squash-uploads": "false",
			}}
			got, err := ResolveSquash(ctx, r, boolPtr(true))
			assert.NoErr(t, err)
			assert.Loosely(t, got, should.BeFalse)
		})
	})
}

func TestResolveParent(t *testing.T) {
	t.Parallel()

	ftt.Run("ResolveParent", t, func(t *ftt.Test) {
		ctx := context.Background()

		t.Run("Merge base by default", func(t *ftt.Test) {
			r := &scriptRunner{replies: map[string]string{
				"merge-base HEAD refs/remotes/origin/main": "feedbeef",
			}}
			got, err := ResolveParent(ctx, r, "refs/remotes/origin/main", &Options{})
			assert.NoErr(t, err)
			assert.That(t, got, should.Equal("feedbeef"))
		})

		t.Run("Custom ancestor base", func(t *ftt.Test) {
			r := &scriptRunner{replies: map[string]string{
				"rev-parse mybase": "c0ffee",
				"merge-base --is-ancestor c0ffee refs/remotes/origin/main": "",
			}}
			got, err := ResolveParent(ctx, r, "refs/remotes/origin/main", &Options{Base: "mybase"})
			assert.NoErr(t, err)
			assert.That(t, got, should.Equal("c0ffee"))
		})

		t.Run("Non-ancestor base needs confirmation", func(t *ftt.Test) {
			r := &scriptRunner{
				replies: map[string]string{"rev-parse mybase": "c0ffee"},
				errs: map[string]error{
					"merge-base --is-ancestor c0ffee refs/remotes/origin/main": &exitError{code: 1},
				},
			}

			t.Run("Declined", func(t *ftt.Test) {
				_, err := ResolveParent(ctx, r, "refs/remotes/origin/main", &Options{Base: "mybase"})
				assert.That(t, err, should.Equal(ErrUserAbort))
			})

			t.Run("Accepted", func(t *ftt.Test) {
				opts := &Options{Base: "mybase", Confirm: func(string) bool { return true }}
				got, err := ResolveParent(ctx, r, "refs/remotes/origin/main", opts)
				assert.NoErr(t, err)
				assert.That(t, got, should.Equal("c0ffee"))
			})
		})
	})
}

func TestCheckChangeState(t *testing.T) {
	t.Parallel()

	ftt.Run("CheckChangeState", t, func(t *ftt.Test) {
		owned := &gerritpb.ChangeInfo{
			Number: 42,
			Status: gerritpb.ChangeStatus_NEW,
			Owner:  &gerritpb.AccountInfo{Email: "me@example.com"},
		}

		t.Run("Own open change", func(t *ftt.Test) {
			assert.NoErr(t, CheckChangeState(owned, "me@example.com", &Options{}))
		})

		t.Run("Abandoned is fatal", func(t *ftt.Test) {
			abandoned := &gerritpb.ChangeInfo{Number: 42, Status: gerritpb.ChangeStatus_ABANDONED}
			err := CheckChangeState(abandoned, "me@example.com", &Options{})
			assert.Loosely(t, err, should.ErrLike("abandoned"))
		})

		t.Run("Someone else's change", func(t *ftt.Test) {
			err := CheckChangeState(owned, "you@example.com", &Options{})
			assert.That(t, err, should.Equal(ErrUserAbort))

			opts := &Options{Confirm: func(string) bool { return true }}
			assert.NoErr(t, CheckChangeState(owned, "you@example.com", opts))
		})
	})
}

func TestSquashCommitAndPush(t *testing.T) {
	t.Parallel()

	ftt.Run("SquashCommit", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := &scriptRunner{replies: map[string]string{
			"rev-parse HEAD^{tree}":                "7ree",
			"commit-tree 7ree -p feedbeef -F -":    "5quash",
			"push origin 5quash:refs/for/main%wip": "remote: ok",
		}}

		commit, err := SquashCommit(ctx, r, "feedbeef", "Fix the fix\n\nChange-Id: I123\n")
		assert.NoErr(t, err)
		assert.That(t, commit, should.Equal("5quash"))
		assert.That(t, r.stdins[0], should.Equal("Fix the fix\n\nChange-Id: I123\n"))

		t.Run("Push success", func(t *ftt.Test) {
			res, err := Push(ctx, r, "origin", commit, "refs/heads/main", "%wip")
			assert.NoErr(t, err)
			assert.Loosely(t, res.ExitCode, should.BeZero)
			assert.That(t, res.Output, should.Equal("remote: ok"))
		})
	})

	ftt.Run("Push failure keeps remote output", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := &scriptRunner{
			replies: map[string]string{},
			errs: map[string]error{
				"push origin head:refs/for/main%wip": &exitError{code: 128},
			},
		}
		res, err := Push(ctx, r, "origin", "head", "refs/heads/main", "%wip")
		assert.Loosely(t, err, should.ErrLike("pushing to origin"))
		assert.That(t, res.ExitCode, should.Equal(128))
	})

	ftt.Run("Push to a non-head ref keeps the full path", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := &scriptRunner{replies: map[string]string{
			"push origin head:refs/for/refs/branch-heads/123%notify=NONE": "",
		}}
		_, err := Push(ctx, r, "origin", "head", "refs/branch-heads/123", "%notify=NONE")
		assert.NoErr(t, err)
	})
}

func TestGenerateChangeID(t *testing.T) {
	t.Parallel()

	ftt.Run("GenerateChangeID", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := &scriptRunner{replies: map[string]string{
			"write-tree":                      "7ree",
			"rev-parse HEAD~0":                "parent",
			"var GIT_AUTHOR_IDENT":            "A U Thor <a@example.com> 123 +0000",
			"var GIT_COMMITTER_IDENT":         "C O Mitter <c@example.com> 123 +0000",
			"hash-object -t commit --stdin":   "abc123",
		}}

		id, err := GenerateChangeID(ctx, r, "my message")
		assert.NoErr(t, err)
		assert.That(t, id, should.Equal("Iabc123"))
		assert.That(t, r.stdins[0], should.Equal(
			"tree 7ree\n"+
				"parent parent\n"+
				"author A U Thor <a@example.com> 123 +0000\n"+
				"committer C O Mitter <c@example.com> 123 +0000\n"+
				"\n"+
				"my message"))
	})

	ftt.Run("Unborn branch has no parent line", t, func(t *ftt.Test) {
		ctx := context.Background()
		r := &scriptRunner{
			replies: map[string]string{
				"write-tree":                    "7ree",
				"var GIT_AUTHOR_IDENT":          "a",
				"var GIT_COMMITTER_IDENT":       "c",
				"hash-object -t commit --stdin": "def456",
			},
			errs: map[string]error{"rev-parse HEAD~0": &exitError{code: 128}},
		}
		id, err := GenerateChangeID(ctx, r, "m")
		assert.NoErr(t, err)
		assert.That(t, id, should.Equal("Idef456"))
		assert.Loosely(t, r.stdins[0], should.NotContainSubstring("parent"))
	})
}

func readZip(t *ftt.Test, path string) map[string]string {
	zr, err := zip.OpenReader(path)
	assert.NoErr(t, err)
	defer zr.Close()

	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		assert.NoErr(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		assert.NoErr(t, err)
		out[f.Name] = string(content)
	}
	return out
}

func TestPersistTrace(t *testing.T) {
	t.Parallel()

	ftt.Run("PersistTrace", t, func(t *ftt.Test) {
		dir := t.TempDir()
		traceDir := t.TempDir()
		hash := strings.Repeat("0123456789", 4)
		assert.NoErr(t, os.WriteFile(
			filepath.Join(traceDir, "trace.pack"),
			[]byte("pushed "+hash+" to the server\n"), 0o644))

		cookies := filepath.Join(t.TempDir(), ".gitcookies")
		assert.NoErr(t, os.WriteFile(cookies,
			[]byte("host.example.com\tTRUE\t/\tTRUE\t0\to\t1/supersecret\n"), 0o600))

		now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
		hdr := TraceHeader{
			Now:         now,
			GerritHost:  "chromium-review.googlesource.com",
			ChangeID:    "Iabc",
			Title:       "Initial upload",
			Description: "Fix things\n\nChange-Id: Iabc",
			Result:      &PushResult{ExitCode: 0, DurationSec: 1.5},
		}
		assert.NoErr(t, PersistTrace(dir, hdr, traceDir, "user.email=me@example.com", cookies))

		name := now.Format(TraceNameFormat)

		readme, err := os.ReadFile(filepath.Join(dir, name+"-README"))
		assert.NoErr(t, err)
		assert.Loosely(t, string(readme), should.ContainSubstring(
			"Change: https://chromium-review.googlesource.com/q/Iabc"))
		assert.Loosely(t, string(readme), should.ContainSubstring("Exit code: 0"))

		t.Run("Hashes are shortened in trace packets", func(t *ftt.Test) {
			files := readZip(t, filepath.Join(dir, name+"-traces.zip"))
			assert.That(t, files["trace.pack"], should.Equal("pushed 012345 to the server\n"))
		})

		t.Run("Credentials are redacted", func(t *ftt.Test) {
			files := readZip(t, filepath.Join(dir, name+"-git-info.zip"))
			assert.That(t, files["git-config"], should.Equal("user.email=me@example.com"))
			assert.Loosely(t, files["gitcookies"], should.NotContainSubstring("supersecret"))
			assert.Loosely(t, files["gitcookies"], should.ContainSubstring("REDACTED"))
		})

		t.Run("Missing credential file is fine", func(t *ftt.Test) {
			hdr := hdr
			hdr.Now = now.Add(time.Second)
			assert.NoErr(t, PersistTrace(dir, hdr, traceDir, "cfg", filepath.Join(dir, "nope")))
		})
	})
}
