// Copyright 2024 Google LLC
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

package sizediff

import (
	"archive/zip"
	"fmt"
	"sort"

	"github.com/ianlewis/sizediff/internal/dex"
)

// dexHandler diffs two versions of a .dex file bucket by bucket (string
// table, type table, per-source-file class bytes, and so on) instead of
// as a single opaque blob.
func dexHandler(_ *Differ, name string, a, b *zip.File) ([]Delta, error) {
	var aSizes, bSizes map[string]int64

	if a != nil {
		data, err := readZipFile(a)
		if err != nil {
			return nil, err
		}
		aSizes, err = dex.SizeMap(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if b != nil {
		data, err := readZipFile(b)
		if err != nil {
			return nil, err
		}
		bSizes, err = dex.SizeMap(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	if aSizes == nil {
		aSizes = map[string]int64{}
	}
	if bSizes == nil {
		bSizes = map[string]int64{}
	}

	names := make(map[string]bool, len(aSizes)+len(bSizes))
	for k := range aSizes {
		names[k] = true
	}
	for k := range bSizes {
		names[k] = true
	}

	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var deltas []Delta
	for _, bucket := range sorted {
		asize, bsize := aSizes[bucket], bSizes[bucket]
		if asize == bsize {
			continue
		}
		deltas = append(deltas, Delta{Name: name + "/" + bucket, OldSize: asize, NewSize: bsize})
	}
	return deltas, nil
}
