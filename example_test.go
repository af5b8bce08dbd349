// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gopkg.in/check.v1"
)

type exampleSuite struct{}

var _ = check.Suite(&exampleSuite{})

func (s *exampleSuite) TestUnionSites(c *check.C) {
	a := newCellProfile("a")
	b := newCellProfile("b")
	c.Assert(a.add("chr1", 10, 0), check.IsNil)
	c.Assert(a.add("chr1", 30, 1), check.IsNil)
	c.Assert(b.add("chr1", 20, 1), check.IsNil)
	c.Assert(b.add("chr1", 30, 0), check.IsNil)
	c.Assert(b.add("chr2", 5, 1), check.IsNil)

	cells := []*cellProfile{a, b}
	c.Check(unionSites(cells, "chr1"), check.DeepEquals, []int{10, 20, 30})
	c.Check(unionSites(cells, "chr2"), check.DeepEquals, []int{5})
	c.Check(unionSites(cells, "chr3"), check.HasLen, 0)

	sites := targetSites(cells, []string{"chr1", "chr2"})
	c.Check(sites, check.DeepEquals, []siteRef{
		{"chr1", 10}, {"chr1", 20}, {"chr1", 30}, {"chr2", 5},
	})
}

func (s *exampleSuite) TestSplitByChromosome(c *check.C) {
	var sites []siteRef
	for i := 0; i < 80; i++ {
		sites = append(sites, siteRef{"chrA", i * 10})
	}
	for i := 0; i < 20; i++ {
		sites = append(sites, siteRef{"chrB", i * 10})
	}
	train, valid, err := splitSites(sites, 0.2, 100)
	c.Assert(err, check.IsNil)
	c.Check(len(train)+len(valid), check.Equals, len(sites))
	// The split is by whole chromosome, so the two sets must not share
	// one.
	trainChroms := map[string]bool{}
	for _, s := range train {
		trainChroms[s.Chrom] = true
	}
	for _, s := range valid {
		c.Check(trainChroms[s.Chrom], check.Equals, false)
	}
	c.Check(len(valid) > 0, check.Equals, true)
	c.Check(len(train) > 0, check.Equals, true)
	// The smaller chromosome covers the requested fraction, so it alone
	// becomes the validation set.
	c.Check(valid, check.HasLen, 20)
	c.Check(valid[0].Chrom, check.Equals, "chrB")
}

func (s *exampleSuite) TestSplitSingleChromosome(c *check.C) {
	var sites []siteRef
	for i := 0; i < 100; i++ {
		sites = append(sites, siteRef{"chrA", i * 10})
	}
	gap := 25
	train, valid, err := splitSites(sites, 0.2, gap)
	c.Assert(err, check.IsNil)
	c.Check(len(train) > 0, check.Equals, true)
	c.Check(len(valid) > 0, check.Equals, true)
	// Every training site must be at least gap bases away from every
	// validation site.
	maxTrain := train[len(train)-1].Pos
	minValid := valid[0].Pos
	c.Check(minValid-maxTrain > gap, check.Equals, true)
}

func (s *exampleSuite) TestSplitErrors(c *check.C) {
	_, _, err := splitSites(nil, 0.2, 10)
	c.Check(err, check.Equals, errEmptyDataset)

	// A guard gap wider than the chromosome leaves nothing to train on.
	sites := []siteRef{{"chrA", 0}, {"chrA", 10}, {"chrA", 20}}
	_, _, err = splitSites(sites, 0.3, 1000)
	c.Check(err, check.ErrorMatches, `cannot split .*`)
}

func tensorDims(t *tensors.Tensor) []int {
	return t.Shape().Dimensions
}

func (s *exampleSuite) TestYieldShapesAndMask(c *check.C) {
	g := makeTestGenome(600)
	cells := makeTestProfiles(c, g)
	sites := targetSites(cells, g.chromosomes())
	c.Assert(len(sites) > 10, check.Equals, true)

	windowLen, k, maxDist, batchSize := 21, 3, 100, 4
	ds := newExampleBuilder("test", g, cells, sites, windowLen, k, maxDist, batchSize)

	_, inputs, labels, err := ds.Yield()
	c.Assert(err, check.IsNil)
	c.Assert(inputs, check.HasLen, 2)
	c.Assert(labels, check.HasLen, 2)
	c.Check(tensorDims(inputs[0]), check.DeepEquals, []int{batchSize, windowLen, len(seqAlphabet)})
	c.Check(tensorDims(inputs[1]), check.DeepEquals, []int{batchSize, len(cells), 2 * k, neighborWidth})
	c.Check(tensorDims(labels[0]), check.DeepEquals, []int{batchSize, len(cells)})
	c.Check(tensorDims(labels[1]), check.DeepEquals, []int{batchSize, len(cells)})

	// Masked slots carry label 0; unmasked slots carry the observed
	// state for that cell at that site.
	var y, mask []float32
	c.Assert(tensors.ConstFlatData[float32](labels[0], func(data []float32) { y = append(y, data...) }), check.IsNil)
	c.Assert(tensors.ConstFlatData[float32](labels[1], func(data []float32) { mask = append(mask, data...) }), check.IsNil)
	for i := 0; i < batchSize; i++ {
		site := sites[i]
		for ci, p := range cells {
			j := i*len(cells) + ci
			state, ok := p.observed(site.Chrom, site.Pos)
			if ok {
				c.Check(mask[j], check.Equals, float32(1))
				c.Check(y[j], check.Equals, float32(state))
			} else {
				c.Check(mask[j], check.Equals, float32(0))
				c.Check(y[j], check.Equals, float32(0))
			}
		}
	}
}

func (s *exampleSuite) TestYieldEpochEnd(c *check.C) {
	g := makeTestGenome(600)
	cells := makeTestProfiles(c, g)
	sites := targetSites(cells, g.chromosomes())[:10]
	ds := newExampleBuilder("test", g, cells, sites, 21, 2, 100, 4)

	n := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		c.Assert(err, check.IsNil)
		n += tensorDims(inputs[0])[0]
		c.Assert(n <= 10, check.Equals, true)
	}
	c.Check(n, check.Equals, 10)

	// The dataset rewinds after EOF for the next pass.
	_, inputs, _, err := ds.Yield()
	c.Assert(err, check.IsNil)
	c.Check(tensorDims(inputs[0])[0], check.Equals, 4)
}

func (s *exampleSuite) TestYieldInfinite(c *check.C) {
	g := makeTestGenome(600)
	cells := makeTestProfiles(c, g)
	sites := targetSites(cells, g.chromosomes())[:6]
	ds := newExampleBuilder("test", g, cells, sites, 21, 2, 100, 4).
		withShuffle(1).withInfinite()
	// More batches than one epoch holds; an infinite dataset never
	// returns EOF.
	for i := 0; i < 10; i++ {
		_, inputs, _, err := ds.Yield()
		c.Assert(err, check.IsNil)
		c.Check(tensorDims(inputs[0])[0], check.Equals, 4)
	}
}

func (s *exampleSuite) TestYieldAllWindowsInvalid(c *check.C) {
	// Every target site lies beyond the chromosome end, as with a
	// reference that does not match the call coordinates. An infinite
	// dataset must report the problem instead of rewinding forever.
	g := genome{"chrA": "ACGTACGTAC"}
	p := newCellProfile("cell1")
	c.Assert(p.add("chrA", 500, 1), check.IsNil)
	c.Assert(p.add("chrA", 600, 0), check.IsNil)
	sites := []siteRef{{"chrA", 500}, {"chrA", 600}}
	ds := newExampleBuilder("test", g, []*cellProfile{p}, sites, 5, 2, 100, 4).
		withShuffle(1).withInfinite()
	_, _, _, err := ds.Yield()
	c.Check(err, check.Equals, errEmptyDataset)
}

func (s *exampleSuite) TestStratifiedOrder(c *check.C) {
	g := genome{"chrA": makeTestGenome(600)["chrA"]}
	p := newCellProfile("cell1")
	// 2 methylated sites, 10 unmethylated.
	var sites []siteRef
	for i := 0; i < 12; i++ {
		pos := 50 + i*10
		state := uint8(0)
		if i < 2 {
			state = 1
		}
		c.Assert(p.add("chrA", pos, state), check.IsNil)
		sites = append(sites, siteRef{"chrA", pos})
	}
	ds := newExampleBuilder("test", g, []*cellProfile{p}, sites, 21, 2, 100, 4).
		withStratify()
	ds.rebuildOrder()
	// Interleaved order alternates the classes, oversampling the
	// minority class.
	c.Assert(len(ds.order), check.Equals, 20)
	for i := 0; i+1 < len(ds.order); i += 2 {
		posSite := sites[ds.order[i]]
		negSite := sites[ds.order[i+1]]
		st, _ := p.observed(posSite.Chrom, posSite.Pos)
		c.Check(st, check.Equals, uint8(1))
		st, _ = p.observed(negSite.Chrom, negSite.Pos)
		c.Check(st, check.Equals, uint8(0))
	}
}
