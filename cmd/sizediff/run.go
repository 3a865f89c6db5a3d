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

package main

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/rodaine/table"

	"github.com/ianlewis/sizediff"
)

type diffCmd struct {
	aPath, bPath string
	verbose      bool
	soA, soB     string
	soNameRule   string
	out          io.Writer
}

func (d *diffCmd) Run() error {
	differ := sizediff.NewDiffer()

	soA, soB := d.soA, d.soB
	if d.soNameRule != "" {
		oldPart, newPart, ok := strings.Cut(d.soNameRule, "=")
		if !ok {
			return fmt.Errorf("%w: --so-name-rule must be OLD=NEW", ErrFlagParse)
		}
		if soA == "" {
			soA = strings.Replace(d.aPath, oldPart, newPart, 1)
		}
		if soB == "" {
			soB = strings.Replace(d.bPath, oldPart, newPart, 1)
		}
	}

	var aSym, bSym *zip.Reader
	if soA != "" {
		r, err := zip.OpenReader(soA)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %w", ErrSizediff, soA, err)
		}
		defer r.Close()
		aSym = &r.Reader
	}
	if soB != "" {
		r, err := zip.OpenReader(soB)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %w", ErrSizediff, soB, err)
		}
		defer r.Close()
		bSym = &r.Reader
	}
	if aSym != nil || bSym != nil {
		differ.SetHandler("so", sizediff.SOHandler(aSym, bSym))
	}

	var deltas []sizediff.Delta
	for delta, err := range differ.Diff(d.aPath, d.bPath) {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSizediff, err)
		}
		deltas = append(deltas, delta)
	}

	if d.verbose {
		d.printTable(deltas)
		return nil
	}

	for _, delta := range deltas {
		fmt.Fprintln(d.out, delta)
	}
	return nil
}

func (d *diffCmd) printTable(deltas []sizediff.Delta) {
	tbl := table.New("name", "old", "new", "change").WithWriter(d.out)

	var totalOld, totalNew int64
	for _, delta := range deltas {
		totalOld += delta.OldSize
		totalNew += delta.NewSize
		tbl.AddRow(delta.Name, delta.OldSize, delta.NewSize, delta.NewSize-delta.OldSize)
	}
	tbl.AddRow("TOTAL", totalOld, totalNew, totalNew-totalOld)
	tbl.Print()
}
