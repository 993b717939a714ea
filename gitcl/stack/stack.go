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

// Package stack walks the dependency forest formed by local branches and
// their upstream tracking branches.
package stack

import (
	"sort"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// ParseUpstreams parses the output of
//
//	git for-each-ref --format='%(refname:short) %(upstream:short)' refs/heads
//
// into a branch -> upstream map. Branches without a recorded upstream are
// forest roots and are omitted from the map.
func ParseUpstreams(out string) map[string]string {
	upstreams := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			upstreams[fields[0]] = fields[1]
		}
	}
	return upstreams
}

// Descendants returns every branch transitively tracking root, excluding
// root itself. Children of a branch are visited in lexicographic order, so
// the result is deterministic for a given edge set.
//
// Upstream pointers form a forest by construction, but a pathological
// configuration can loop; that is detected and reported instead of
// spinning forever.
func Descendants(root string, upstreams map[string]string) ([]string, error) {
	children := map[string][]string{}
	for branch, upstream := range upstreams {
		children[upstream] = append(children[upstream], branch)
	}
	for _, c := range children {
		sort.Strings(c)
	}

	var out []string
	seen := stringset.NewFromSlice(root)
	queue := []string{root}
	for len(queue) > 0 {
		branch := queue[0]
		queue = queue[1:]
		for _, child := range children[branch] {
			if !seen.Add(child) {
				return nil, errors.Fmt("branch %q depends on itself via a tracking cycle", child)
			}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out, nil
}
