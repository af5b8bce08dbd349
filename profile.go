// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"fmt"
	"sort"
)

// chromCalls holds one cell's observed CpG calls on one chromosome.
// Positions are strictly increasing; states are 0 or 1.
type chromCalls struct {
	Positions []int32
	States    []uint8
}

// cellProfile is the sparse methylation profile of a single cell.
type cellProfile struct {
	Name   string
	Chroms map[string]*chromCalls
}

func newCellProfile(name string) *cellProfile {
	return &cellProfile{Name: name, Chroms: map[string]*chromCalls{}}
}

// add appends one call. Calls must arrive in strictly increasing position
// order per chromosome; states other than 0/1 are rejected.
func (p *cellProfile) add(chrom string, pos int, state uint8) error {
	if state > 1 {
		return fmt.Errorf("cell %s: %s:%d: state %d out of range (want 0 or 1)", p.Name, chrom, pos, state)
	}
	if pos < 0 {
		return fmt.Errorf("cell %s: %s:%d: negative position", p.Name, chrom, pos)
	}
	cc := p.Chroms[chrom]
	if cc == nil {
		cc = &chromCalls{}
		p.Chroms[chrom] = cc
	}
	if n := len(cc.Positions); n > 0 && int(cc.Positions[n-1]) >= pos {
		return fmt.Errorf("cell %s: %s:%d: position not strictly increasing (previous %d)", p.Name, chrom, pos, cc.Positions[n-1])
	}
	cc.Positions = append(cc.Positions, int32(pos))
	cc.States = append(cc.States, state)
	return nil
}

func (p *cellProfile) numCalls() int {
	n := 0
	for _, cc := range p.Chroms {
		n += len(cc.Positions)
	}
	return n
}

// observed reports the call state at an exact site, if any.
func (p *cellProfile) observed(chrom string, pos int) (uint8, bool) {
	cc := p.Chroms[chrom]
	if cc == nil {
		return 0, false
	}
	i := sort.Search(len(cc.Positions), func(i int) bool { return int(cc.Positions[i]) >= pos })
	if i < len(cc.Positions) && int(cc.Positions[i]) == pos {
		return cc.States[i], true
	}
	return 0, false
}

// neighborSentinelState marks a missing neighbor slot; it is distinguishable
// from the real binary states 0 and 1.
const neighborSentinelState = 0.5

// neighborWidth is the number of values per neighbor row: scaled signed
// distance and observed state.
const neighborWidth = 2

// encodeNeighbors fills out with the (2k, 2) neighbor block for the target
// site (chrom, pos): the k nearest observed sites upstream and the k nearest
// downstream, excluding the target site itself. Rows are in genomic order
// (signed distance increasing): upstream outermost first, then downstream
// nearest to farthest, so an upstream neighbor always precedes a downstream
// neighbor at the same absolute distance. Column 0 is the signed distance
// capped at ±maxDist and scaled by 1/maxDist; column 1 is the observed
// state. Missing slots keep the sentinel (±1, 0.5) at the outer ends of
// their side. out must hold 2*k*neighborWidth values.
func (p *cellProfile) encodeNeighbors(chrom string, pos, k, maxDist int, out []float32) {
	for side := 0; side < 2; side++ {
		sign := float32(-1)
		if side == 1 {
			sign = 1
		}
		for slot := 0; slot < k; slot++ {
			row := side*k + slot
			out[row*neighborWidth] = sign
			out[row*neighborWidth+1] = neighborSentinelState
		}
	}
	cc := p.Chroms[chrom]
	if cc == nil {
		return
	}
	scale := 1 / float32(maxDist)
	// First index at or after the target; the target itself is skipped on
	// both sides so its own label can never leak into the example.
	at := sort.Search(len(cc.Positions), func(i int) bool { return int(cc.Positions[i]) >= pos })
	for slot, i := 0, at-1; slot < k && i >= 0; slot, i = slot+1, i-1 {
		d := pos - int(cc.Positions[i])
		if d > maxDist {
			break
		}
		row := k - 1 - slot // nearest upstream neighbor sits next to the target
		out[row*neighborWidth] = -float32(d) * scale
		out[row*neighborWidth+1] = float32(cc.States[i])
	}
	down := at
	if down < len(cc.Positions) && int(cc.Positions[down]) == pos {
		down++
	}
	for slot, i := 0, down; slot < k && i < len(cc.Positions); slot, i = slot+1, i+1 {
		d := int(cc.Positions[i]) - pos
		if d > maxDist {
			break
		}
		row := k + slot
		out[row*neighborWidth] = float32(d) * scale
		out[row*neighborWidth+1] = float32(cc.States[i])
	}
}
