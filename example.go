// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	log "github.com/sirupsen/logrus"
)

var errEmptyDataset = errors.New("no usable target sites after filtering")

type siteRef struct {
	Chrom string
	Pos   int
}

// unionSites returns the sorted union of observed positions across cells on
// one chromosome.
func unionSites(cells []*cellProfile, chrom string) []int {
	posset := map[int]bool{}
	for _, p := range cells {
		cc := p.Chroms[chrom]
		if cc == nil {
			continue
		}
		for _, pos := range cc.Positions {
			posset[int(pos)] = true
		}
	}
	sites := make([]int, 0, len(posset))
	for pos := range posset {
		sites = append(sites, pos)
	}
	sort.Ints(sites)
	return sites
}

// targetSites returns the training target sites: every position observed in
// at least one cell, in (chromosome, position) order.
func targetSites(cells []*cellProfile, chroms []string) []siteRef {
	var sites []siteRef
	for _, chrom := range chroms {
		for _, pos := range unionSites(cells, chrom) {
			sites = append(sites, siteRef{chrom, pos})
		}
	}
	return sites
}

// allCpGSites returns one target site per CpG dinucleotide of the genome,
// for genome-wide imputation.
func allCpGSites(g genome) []siteRef {
	var sites []siteRef
	for _, chrom := range g.chromosomes() {
		for _, pos := range g.cpgSites(chrom) {
			sites = append(sites, siteRef{chrom, pos})
		}
	}
	return sites
}

// splitSites partitions sites into training and validation sets over
// disjoint genomic regions. With two or more chromosomes the split is by
// whole chromosome. With a single chromosome it falls back to a positional
// split, discarding a guard interval of gap bases so that no validation
// example's neighbor window can touch a training target.
func splitSites(sites []siteRef, valFraction float64, gap int) (train, valid []siteRef, err error) {
	if len(sites) == 0 {
		return nil, nil, errEmptyDataset
	}
	perChrom := map[string][]siteRef{}
	var chroms []string
	for _, s := range sites {
		if perChrom[s.Chrom] == nil {
			chroms = append(chroms, s.Chrom)
		}
		perChrom[s.Chrom] = append(perChrom[s.Chrom], s)
	}
	sort.Strings(chroms)
	target := int(valFraction * float64(len(sites)))
	if target < 1 {
		target = 1
	}
	if len(chroms) > 1 {
		// Fill the validation set smallest chromosome first, leaving at
		// least one chromosome for training.
		bySize := append([]string(nil), chroms...)
		sort.SliceStable(bySize, func(i, j int) bool {
			return len(perChrom[bySize[i]]) < len(perChrom[bySize[j]])
		})
		inValid := map[string]bool{}
		n := 0
		for _, chrom := range bySize[:len(bySize)-1] {
			if n >= target {
				break
			}
			inValid[chrom] = true
			n += len(perChrom[chrom])
		}
		for _, s := range sites {
			if inValid[s.Chrom] {
				valid = append(valid, s)
			} else {
				train = append(train, s)
			}
		}
		return train, valid, nil
	}
	only := perChrom[chroms[0]]
	cut := len(only) - target
	if cut < 1 {
		return nil, nil, fmt.Errorf("cannot split %d sites on a single chromosome into disjoint train/validation regions", len(only))
	}
	// Sites inside the guard interval before the boundary are discarded,
	// so no validation example's neighbor window can see a training target.
	boundary := only[cut].Pos
	for _, s := range only {
		switch {
		case s.Pos < boundary-gap:
			train = append(train, s)
		case s.Pos >= boundary:
			valid = append(valid, s)
		}
	}
	if len(train) == 0 || len(valid) == 0 {
		return nil, nil, fmt.Errorf("cannot split %d sites on a single chromosome into disjoint train/validation regions", len(only))
	}
	return train, valid, nil
}

// exampleBuilder assembles minibatches of windowed examples and implements
// the gomlx train.Dataset interface. One example is one target site across
// all cells: a shared DNA window tensor, a per-cell neighbor tensor, a
// per-cell presence mask, and per-cell labels valid only under the mask.
type exampleBuilder struct {
	name      string
	genome    genome
	cells     []*cellProfile
	sites     []siteRef
	windowLen int
	neighbors int // per side
	maxDist   int
	batchSize int
	shuffle   bool
	stratify  bool
	infinite  bool
	rnd       *rand.Rand

	mtx     sync.Mutex
	order   []int
	next    int
	skipped int64
	visited int64

	// skipWarnFraction is the fraction of skipped examples above which a
	// warning is logged at the end of each pass.
	skipWarnFraction float64
}

func newExampleBuilder(name string, g genome, cells []*cellProfile, sites []siteRef, windowLen, neighbors, maxDist, batchSize int) *exampleBuilder {
	return &exampleBuilder{
		name:             name,
		genome:           g,
		cells:            cells,
		sites:            sites,
		windowLen:        windowLen,
		neighbors:        neighbors,
		maxDist:          maxDist,
		batchSize:        batchSize,
		rnd:              rand.New(rand.NewSource(1)),
		skipWarnFraction: 0.05,
	}
}

func (ds *exampleBuilder) withShuffle(seed int64) *exampleBuilder {
	ds.shuffle = true
	ds.rnd = rand.New(rand.NewSource(seed))
	return ds
}

func (ds *exampleBuilder) withStratify() *exampleBuilder {
	ds.stratify = true
	return ds
}

func (ds *exampleBuilder) withInfinite() *exampleBuilder {
	ds.infinite = true
	return ds
}

func (ds *exampleBuilder) Name() string { return ds.name }

func (ds *exampleBuilder) Reset() {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()
	ds.order = nil
	ds.next = 0
}

func (ds *exampleBuilder) numExamples() int { return len(ds.sites) }

// meanObservedState is the across-cell mean of the observed labels at a
// site, used for stratified sampling.
func (ds *exampleBuilder) meanObservedState(s siteRef) (float64, int) {
	sum, n := 0.0, 0
	for _, p := range ds.cells {
		if state, ok := p.observed(s.Chrom, s.Pos); ok {
			sum += float64(state)
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func (ds *exampleBuilder) rebuildOrder() {
	if !ds.stratify {
		ds.order = make([]int, len(ds.sites))
		for i := range ds.order {
			ds.order[i] = i
		}
		if ds.shuffle {
			ds.rnd.Shuffle(len(ds.order), func(i, j int) {
				ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
			})
		}
		ds.next = 0
		return
	}
	// Stratified: interleave methylated-majority and
	// unmethylated-majority sites, repeating the smaller class until the
	// larger one is exhausted. Only the sampling order changes; labels
	// and masks are untouched.
	var pos, neg []int
	for i, s := range ds.sites {
		if mean, n := ds.meanObservedState(s); n > 0 && mean >= 0.5 {
			pos = append(pos, i)
		} else {
			neg = append(neg, i)
		}
	}
	if ds.shuffle {
		ds.rnd.Shuffle(len(pos), func(i, j int) { pos[i], pos[j] = pos[j], pos[i] })
		ds.rnd.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })
	}
	if len(pos) == 0 || len(neg) == 0 {
		ds.order = append(pos, neg...)
		ds.next = 0
		return
	}
	n := len(pos)
	if len(neg) > n {
		n = len(neg)
	}
	ds.order = make([]int, 0, 2*n)
	for i := 0; i < n; i++ {
		ds.order = append(ds.order, pos[i%len(pos)], neg[i%len(neg)])
	}
	ds.next = 0
}

// Yield builds one minibatch. Inputs: DNA windows [b, L, 5] and neighbor
// blocks [b, cells, 2k, 2]. Labels: states [b, cells] and presence mask
// [b, cells]. A masked slot's label is always 0 and is never read by the
// loss.
func (ds *exampleBuilder) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()
	if len(ds.sites) == 0 {
		return nil, nil, nil, errEmptyDataset
	}
	if ds.order == nil {
		ds.rebuildOrder()
	}
	var batch []siteRef
	passes := 0
	for len(batch) < ds.batchSize {
		if ds.next >= len(ds.order) {
			ds.reportSkipped()
			if !ds.infinite {
				break
			}
			if passes++; passes > 1 && len(batch) == 0 {
				// A full pass produced nothing: every window is
				// invalid, e.g. a reference that does not match the
				// call coordinates. Rewinding again would spin forever.
				return nil, nil, nil, errEmptyDataset
			}
			ds.rebuildOrder()
		}
		s := ds.sites[ds.order[ds.next]]
		ds.next++
		ds.visited++
		if _, err := ds.genome.window(s.Chrom, s.Pos, ds.windowLen); err != nil {
			// Example entirely outside the chromosome: skip it and
			// account for it, as a window cannot be formed.
			ds.skipped++
			continue
		}
		batch = append(batch, s)
	}
	if len(batch) == 0 {
		ds.order = nil // rewind for the next pass
		return nil, nil, nil, io.EOF
	}
	inputs, labels = ds.buildBatch(batch)
	return nil, inputs, labels, nil
}

func (ds *exampleBuilder) reportSkipped() {
	if ds.visited > 0 && float64(ds.skipped) > ds.skipWarnFraction*float64(ds.visited) {
		log.Warnf("%s: skipped %d of %d examples with windows outside chromosome bounds", ds.name, ds.skipped, ds.visited)
	}
	ds.skipped, ds.visited = 0, 0
}

func (ds *exampleBuilder) buildBatch(batch []siteRef) (inputs, labels []*tensors.Tensor) {
	b := len(batch)
	nCells := len(ds.cells)
	alpha := len(seqAlphabet)
	k2 := 2 * ds.neighbors
	dna := make([]float32, b*ds.windowLen*alpha)
	cpg := make([]float32, b*nCells*k2*neighborWidth)
	y := make([]float32, b*nCells)
	mask := make([]float32, b*nCells)
	for i, s := range batch {
		seq, err := ds.genome.window(s.Chrom, s.Pos, ds.windowLen)
		if err != nil {
			// Already checked during batch assembly.
			panic(err)
		}
		encodeWindow(seq, dna[i*ds.windowLen*alpha:(i+1)*ds.windowLen*alpha])
		for c, p := range ds.cells {
			off := (i*nCells + c) * k2 * neighborWidth
			p.encodeNeighbors(s.Chrom, s.Pos, ds.neighbors, ds.maxDist, cpg[off:off+k2*neighborWidth])
			if state, ok := p.observed(s.Chrom, s.Pos); ok {
				y[i*nCells+c] = float32(state)
				mask[i*nCells+c] = 1
			}
		}
	}
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(dna, b, ds.windowLen, alpha),
		tensors.FromFlatDataAndDimensions(cpg, b, nCells, k2, neighborWidth),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(y, b, nCells),
		tensors.FromFlatDataAndDimensions(mask, b, nCells),
	}
	return inputs, labels
}
