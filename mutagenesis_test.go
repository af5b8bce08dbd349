// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bytes"
	"strings"

	"gopkg.in/check.v1"
)

type mutagenesisSuite struct{}

var _ = check.Suite(&mutagenesisSuite{})

func (s *mutagenesisSuite) TestParseSite(c *check.C) {
	site, err := parseSite("chr1:12345")
	c.Assert(err, check.IsNil)
	c.Check(site, check.Equals, siteRef{Chrom: "chr1", Pos: 12345})

	// Chromosome names may themselves contain colons.
	site, err = parseSite("HLA-DRB1*15:01:7")
	c.Assert(err, check.IsNil)
	c.Check(site, check.Equals, siteRef{Chrom: "HLA-DRB1*15:01", Pos: 7})

	for _, bad := range []string{"", "chr1", ":5", "chr1:", "chr1:x", "chr1:-1"} {
		_, err := parseSite(bad)
		c.Check(err, check.NotNil, check.Commentf("input %q", bad))
	}
}

func (s *mutagenesisSuite) TestWriteEffectsTSV(c *check.C) {
	base := []float32{0.25, 0.75}
	effects := []variantEffect{
		{Offset: -1, RefBase: 'A', AltBase: 'C', Deltas: []float32{0.1, -0.2}},
		{Offset: 0, RefBase: 'C', AltBase: 'T', Deltas: []float32{0, 0.5}},
	}
	var buf bytes.Buffer
	c.Assert(writeEffectsTSV(&buf, []string{"cell1", "cell2"}, base, effects), check.IsNil)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	c.Assert(lines, check.HasLen, 4)
	c.Check(lines[0], check.Equals, "offset\tref\talt\tcell1\tcell2")
	c.Check(lines[1], check.Equals, "0\t.\t.\t0.250000\t0.750000")
	c.Check(lines[2], check.Equals, "-1\tA\tC\t0.100000\t-0.200000")
	c.Check(lines[3], check.Equals, "0\tC\tT\t0.000000\t0.500000")
}
