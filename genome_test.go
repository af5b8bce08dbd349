// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"strings"

	"gopkg.in/check.v1"
)

type genomeSuite struct{}

var _ = check.Suite(&genomeSuite{})

func (s *genomeSuite) TestReadFasta(c *check.C) {
	g := genome{}
	err := g.readFasta(strings.NewReader(">chr1 assembly=test\nacgt\nACGT\n>chr2\nGGCC\n"))
	c.Assert(err, check.IsNil)
	c.Check(g["chr1"], check.Equals, "ACGTACGT")
	c.Check(g["chr2"], check.Equals, "GGCC")
	c.Check(g.chromosomes(), check.DeepEquals, []string{"chr1", "chr2"})
}

func (s *genomeSuite) TestReadFastaErrors(c *check.C) {
	err := genome{}.readFasta(strings.NewReader("ACGT\n"))
	c.Check(err, check.ErrorMatches, `fasta data precedes first sequence label`)
	err = genome{}.readFasta(strings.NewReader(""))
	c.Check(err, check.ErrorMatches, `no sequences found in fasta input`)
}

func (s *genomeSuite) TestWindow(c *check.C) {
	g := genome{"chr1": "AACGTTACGT"}
	win, err := g.window("chr1", 5, 5)
	c.Assert(err, check.IsNil)
	c.Check(win, check.Equals, "GTTAC")

	// Pad near the left edge.
	win, err = g.window("chr1", 1, 5)
	c.Assert(err, check.IsNil)
	c.Check(win, check.Equals, "NAACG")

	// Pad near the right edge.
	win, err = g.window("chr1", 9, 5)
	c.Assert(err, check.IsNil)
	c.Check(win, check.Equals, "CGTNN")

	_, err = g.window("chr1", 10, 5)
	c.Check(err, check.FitsTypeOf, invalidWindowError{})
	_, err = g.window("chr1", -1, 5)
	c.Check(err, check.FitsTypeOf, invalidWindowError{})
	_, err = g.window("chr9", 0, 5)
	c.Check(err, check.ErrorMatches, `unknown chromosome "chr9"`)
}

func (s *genomeSuite) TestEncodeWindow(c *check.C) {
	out := make([]float32, 4*len(seqAlphabet))
	encodeWindow("ACGX", out)
	want := []float32{
		1, 0, 0, 0, 0,
		0, 1, 0, 0, 0,
		0, 0, 1, 0, 0,
		0, 0, 0, 0, 1,
	}
	c.Check(out, check.DeepEquals, want)
	// Every row has exactly one hot value even after reuse.
	encodeWindow("TTTT", out)
	for i := 0; i < 4; i++ {
		sum := float32(0)
		for j := 0; j < len(seqAlphabet); j++ {
			sum += out[i*len(seqAlphabet)+j]
		}
		c.Check(sum, check.Equals, float32(1))
		c.Check(out[i*len(seqAlphabet)+3], check.Equals, float32(1))
	}
}

func (s *genomeSuite) TestCpGSites(c *check.C) {
	g := genome{"chr1": "CGACGTTCGC"}
	c.Check(g.cpgSites("chr1"), check.DeepEquals, []int{0, 3, 7})
	c.Check(g.cpgSites("chr2"), check.IsNil)
}
