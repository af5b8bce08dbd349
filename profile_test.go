// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"gopkg.in/check.v1"
)

type profileSuite struct{}

var _ = check.Suite(&profileSuite{})

func (s *profileSuite) TestAdd(c *check.C) {
	p := newCellProfile("cell1")
	c.Check(p.add("chr1", 10, 0), check.IsNil)
	c.Check(p.add("chr1", 20, 1), check.IsNil)
	c.Check(p.add("chr2", 5, 1), check.IsNil)
	c.Check(p.numCalls(), check.Equals, 3)

	c.Check(p.add("chr1", 20, 0), check.ErrorMatches, `.*not strictly increasing.*`)
	c.Check(p.add("chr1", 15, 0), check.ErrorMatches, `.*not strictly increasing.*`)
	c.Check(p.add("chr1", 30, 2), check.ErrorMatches, `.*state 2 out of range.*`)
	c.Check(p.add("chr1", -1, 0), check.ErrorMatches, `.*negative position`)
	c.Check(p.numCalls(), check.Equals, 3)
}

func (s *profileSuite) TestObserved(c *check.C) {
	p := newCellProfile("cell1")
	c.Assert(p.add("chr1", 10, 1), check.IsNil)
	c.Assert(p.add("chr1", 30, 0), check.IsNil)

	state, ok := p.observed("chr1", 10)
	c.Check(ok, check.Equals, true)
	c.Check(state, check.Equals, uint8(1))
	state, ok = p.observed("chr1", 30)
	c.Check(ok, check.Equals, true)
	c.Check(state, check.Equals, uint8(0))
	_, ok = p.observed("chr1", 20)
	c.Check(ok, check.Equals, false)
	_, ok = p.observed("chr2", 10)
	c.Check(ok, check.Equals, false)
}

func neighborRow(out []float32, row int) (dist, state float32) {
	return out[row*neighborWidth], out[row*neighborWidth+1]
}

func (s *profileSuite) TestEncodeNeighbors(c *check.C) {
	p := newCellProfile("cell1")
	c.Assert(p.add("chr1", 100, 1), check.IsNil)
	c.Assert(p.add("chr1", 190, 0), check.IsNil)
	c.Assert(p.add("chr1", 200, 1), check.IsNil)
	c.Assert(p.add("chr1", 210, 0), check.IsNil)
	c.Assert(p.add("chr1", 500, 1), check.IsNil)

	k, maxDist := 2, 100
	out := make([]float32, 2*k*neighborWidth)
	p.encodeNeighbors("chr1", 200, k, maxDist, out)
	scale := 1 / float32(maxDist)

	// Upstream rows run outermost to nearest.
	d, st := neighborRow(out, 0)
	c.Check(d, check.Equals, -100*scale) // 100 is exactly maxDist away
	c.Check(st, check.Equals, float32(1))
	d, st = neighborRow(out, 1)
	c.Check(d, check.Equals, -10*scale)
	c.Check(st, check.Equals, float32(0))
	// Downstream rows run nearest to farthest; the target's own call at
	// 200 is excluded, and 500 is beyond maxDist so its slot keeps the
	// sentinel.
	d, st = neighborRow(out, 2)
	c.Check(d, check.Equals, 10*scale)
	c.Check(st, check.Equals, float32(0))
	d, st = neighborRow(out, 3)
	c.Check(d, check.Equals, float32(1))
	c.Check(st, check.Equals, float32(neighborSentinelState))
}

func (s *profileSuite) TestEncodeNeighborsTargetExcluded(c *check.C) {
	// The only call is at the target site itself: the block must be all
	// sentinels so the label cannot leak into the input.
	p := newCellProfile("cell1")
	c.Assert(p.add("chr1", 200, 1), check.IsNil)
	k := 3
	out := make([]float32, 2*k*neighborWidth)
	p.encodeNeighbors("chr1", 200, k, 1000, out)
	for row := 0; row < 2*k; row++ {
		d, st := neighborRow(out, row)
		c.Check(st, check.Equals, float32(neighborSentinelState))
		if row < k {
			c.Check(d, check.Equals, float32(-1))
		} else {
			c.Check(d, check.Equals, float32(1))
		}
	}
}

func (s *profileSuite) TestEncodeNeighborsEqualDistance(c *check.C) {
	// At equal distance the upstream neighbor occupies the row before the
	// downstream one: rows stay in genomic order.
	p := newCellProfile("cell1")
	c.Assert(p.add("chr1", 190, 0), check.IsNil)
	c.Assert(p.add("chr1", 210, 1), check.IsNil)
	k, maxDist := 1, 100
	out := make([]float32, 2*k*neighborWidth)
	p.encodeNeighbors("chr1", 200, k, maxDist, out)
	scale := 1 / float32(maxDist)
	d, st := neighborRow(out, 0)
	c.Check(d, check.Equals, -10*scale)
	c.Check(st, check.Equals, float32(0))
	d, st = neighborRow(out, 1)
	c.Check(d, check.Equals, 10*scale)
	c.Check(st, check.Equals, float32(1))
}

func (s *profileSuite) TestEncodeNeighborsEmptyChromosome(c *check.C) {
	p := newCellProfile("cell1")
	k := 2
	out := make([]float32, 2*k*neighborWidth)
	p.encodeNeighbors("chrX", 100, k, 1000, out)
	for row := 0; row < 2*k; row++ {
		_, st := neighborRow(out, row)
		c.Check(st, check.Equals, float32(neighborSentinelState))
	}
}
