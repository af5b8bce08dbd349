// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bytes"

	"gopkg.in/check.v1"
)

type librarySuite struct{}

var _ = check.Suite(&librarySuite{})

func (s *librarySuite) TestRoundTrip(c *check.C) {
	g := makeTestGenome(500)
	cells := makeTestProfiles(c, g)

	var buf bytes.Buffer
	c.Assert(writeProfileLibrary(&buf, cells), check.IsNil)

	lib, err := readProfileLibrary(bytes.NewReader(buf.Bytes()))
	c.Assert(err, check.IsNil)
	c.Check(lib.cellNames(), check.DeepEquals, []string{"cell1", "cell2", "cell3"})
	for _, want := range cells {
		got := lib.cellByName(want.Name)
		c.Assert(got, check.NotNil)
		c.Check(got.numCalls(), check.Equals, want.numCalls())
		for chrom, cc := range want.Chroms {
			c.Check(got.Chroms[chrom].Positions, check.DeepEquals, cc.Positions)
			c.Check(got.Chroms[chrom].States, check.DeepEquals, cc.States)
		}
	}
}

func (s *librarySuite) TestCellOrder(c *check.C) {
	// Cells are stored sorted by name regardless of input order; the
	// order defines the model's output head indexes.
	cells := []*cellProfile{newCellProfile("zebra"), newCellProfile("aard")}
	c.Assert(cells[0].add("chr1", 1, 0), check.IsNil)
	c.Assert(cells[1].add("chr1", 2, 1), check.IsNil)
	var buf bytes.Buffer
	c.Assert(writeProfileLibrary(&buf, cells), check.IsNil)
	lib, err := readProfileLibrary(&buf)
	c.Assert(err, check.IsNil)
	c.Check(lib.cellNames(), check.DeepEquals, []string{"aard", "zebra"})
}

func (s *librarySuite) TestCellWithNoCalls(c *check.C) {
	// A cell with no observations anywhere survives the round trip and
	// keeps its column position.
	cells := []*cellProfile{newCellProfile("b-empty"), newCellProfile("a")}
	c.Assert(cells[1].add("chr1", 10, 1), check.IsNil)
	var buf bytes.Buffer
	c.Assert(writeProfileLibrary(&buf, cells), check.IsNil)
	lib, err := readProfileLibrary(&buf)
	c.Assert(err, check.IsNil)
	c.Check(lib.cellNames(), check.DeepEquals, []string{"a", "b-empty"})
	empty := lib.cellByName("b-empty")
	c.Assert(empty, check.NotNil)
	c.Check(empty.numCalls(), check.Equals, 0)
}

func (s *librarySuite) TestTruncated(c *check.C) {
	cells := []*cellProfile{newCellProfile("cell1")}
	c.Assert(cells[0].add("chr1", 1, 0), check.IsNil)
	var buf bytes.Buffer
	c.Assert(writeProfileLibrary(&buf, cells), check.IsNil)

	_, err := readProfileLibrary(bytes.NewReader(buf.Bytes()[:buf.Len()/2]))
	c.Check(err, check.NotNil)
}

func (s *librarySuite) TestEmpty(c *check.C) {
	var buf bytes.Buffer
	c.Assert(writeProfileLibrary(&buf, nil), check.IsNil)
	_, err := readProfileLibrary(&buf)
	c.Check(err, check.ErrorMatches, `profile library: no cells`)
}

func (s *librarySuite) TestCellNameFromPath(c *check.C) {
	for path, want := range map[string]string{
		"/data/cells/cell1.tsv":    "cell1",
		"/data/cells/cell2.tsv.gz": "cell2",
		"cell3.cov.gz":             "cell3",
		"x/y/cell4.txt":            "cell4",
		"plain":                    "plain",
	} {
		c.Check(cellNameFromPath(path), check.Equals, want)
	}
}
