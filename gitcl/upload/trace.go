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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.chromium.org/luci/common/errors"
)

// Trace artifacts written per push attempt, success or not:
//
//	<dir>/<name>-README        plain-text header
//	<dir>/<name>-traces.zip    git trace packets, hashes shortened
//	<dir>/<name>-git-info.zip  git config + redacted credentials
//
// Hashes inside trace packets are cut to a short prefix so two runs of
// the same push compare equal except where they genuinely differ.

// TraceNameFormat formats the artifact timestamp prefix.
const TraceNameFormat = "20060102T150405.000000"

var (
	objectHashRe = regexp.MustCompile(`\b[0-9a-f]{40}\b`)
	cookieRe     = regexp.MustCompile(`1/\S+`)
)

// TraceHeader describes one push attempt for the README artifact.
type TraceHeader struct {
	Now         time.Time
	GerritHost  string
	ChangeID    string
	Title       string
	Description string
	Result      *PushResult
}

// shortenHashes replaces full object hashes with their 6-char prefix.
func shortenHashes(b []byte) []byte {
	return objectHashRe.ReplaceAllFunc(b, func(m []byte) []byte { return m[:6] })
}

// redactCredentials blanks OAuth cookie secrets.
func redactCredentials(b []byte) []byte {
	return cookieRe.ReplaceAll(b, []byte("REDACTED"))
}

// PersistTrace writes the three artifacts for one push attempt.
//
// traceDir holds the raw GIT_TRACE2_EVENT packet files the push emitted;
// gitConfig is `git config -l` output; cookiesPath points at the
// credential file and is skipped without error when the file is absent.
func PersistTrace(dir string, hdr TraceHeader, traceDir, gitConfig, cookiesPath string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Fmt("creating traces dir: %w", err)
	}
	name := hdr.Now.Format(TraceNameFormat)

	readme := fmt.Sprintf(
		"Date: %s\nChange: https://%s/q/%s\nTitle: %s\n\n%s\n\nExecution time: %.1fs\nExit code: %d\n\nTrace: %s\n",
		hdr.Now.Format(time.RFC3339), hdr.GerritHost, hdr.ChangeID, hdr.Title,
		hdr.Description, hdr.Result.DurationSec, hdr.Result.ExitCode, name)
	if err := os.WriteFile(filepath.Join(dir, name+"-README"), []byte(readme), 0o644); err != nil {
		return errors.Fmt("writing trace README: %w", err)
	}

	if err := archiveTraces(filepath.Join(dir, name+"-traces.zip"), traceDir); err != nil {
		return err
	}
	return archiveGitInfo(filepath.Join(dir, name+"-git-info.zip"), gitConfig, cookiesPath)
}

func archiveTraces(path, traceDir string) error {
	entries, err := os.ReadDir(traceDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Fmt("reading trace dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Fmt("creating trace archive: %w", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(traceDir, e.Name()))
		if err != nil {
			return errors.Fmt("reading trace packet %s: %w", e.Name(), err)
		}
		w, err := zw.Create(e.Name())
		if err != nil {
			return err
		}
		if _, err := w.Write(shortenHashes(content)); err != nil {
			return err
		}
	}
	return zw.Close()
}

func archiveGitInfo(path, gitConfig, cookiesPath string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Fmt("creating git-info archive: %w", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)

	w, err := zw.Create("git-config")
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(gitConfig)); err != nil {
		return err
	}

	if cookiesPath != "" {
		switch cookies, err := os.ReadFile(cookiesPath); {
		case os.IsNotExist(err):
			// Nothing to capture; common on bot checkouts.
		case err != nil:
			return errors.Fmt("reading credential file: %w", err)
		default:
			w, err := zw.Create("gitcookies")
			if err != nil {
				return err
			}
			if _, err := w.Write(redactCredentials(cookies)); err != nil {
				return err
			}
		}
	}
	return zw.Close()
}
