// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	neighbors := flags.Int("neighbors", 25, "neighboring calls per side for the baseline predictor")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	lib, err := openProfileLibrary(*inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = doStats(lib, *neighbors, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type cellStats struct {
	Cell            string
	Calls           int
	MethylationRate float64
	Chromosomes     int
	// NeighborAUC is the ROC AUC of a baseline that predicts each call
	// from the mean state of its nearest neighboring calls. Zero when
	// undefined (all calls share one state).
	NeighborAUC float64
}

type cellPairStats struct {
	CellA       string
	CellB       string
	SharedSites int
	Concordance float64 // fraction of shared sites with equal state
	Correlation float64 // Pearson correlation of states at shared sites
}

func doStats(lib *profileLibrary, neighbors int, output io.Writer) error {
	var ret struct {
		Fingerprint     string
		Cells           []cellStats
		TargetSites     int
		Chromosomes     []string
		MeanRate        float64
		StdDevRate      float64
		PairConcordance []cellPairStats
	}
	ret.Fingerprint = fmt.Sprintf("%x", lib.fingerprint)

	chromset := map[string]bool{}
	rates := make([]float64, 0, len(lib.cells))
	for _, p := range lib.cells {
		methylated, calls := 0, 0
		for chrom, cc := range p.Chroms {
			chromset[chrom] = true
			calls += len(cc.States)
			for _, s := range cc.States {
				methylated += int(s)
			}
		}
		var rate float64
		if calls > 0 {
			rate = float64(methylated) / float64(calls)
		}
		rates = append(rates, rate)
		ret.Cells = append(ret.Cells, cellStats{
			Cell:            p.Name,
			Calls:           calls,
			MethylationRate: rate,
			Chromosomes:     len(p.Chroms),
			NeighborAUC:     neighborBaselineAUC(p, neighbors),
		})
	}
	for chrom := range chromset {
		ret.Chromosomes = append(ret.Chromosomes, chrom)
	}
	sort.Strings(ret.Chromosomes)
	for _, chrom := range ret.Chromosomes {
		ret.TargetSites += len(unionSites(lib.cells, chrom))
	}
	ret.MeanRate, ret.StdDevRate = stat.MeanStdDev(rates, nil)

	for i := 0; i < len(lib.cells); i++ {
		for j := i + 1; j < len(lib.cells); j++ {
			ps := pairStats(lib.cells[i], lib.cells[j], ret.Chromosomes)
			if ps.SharedSites > 0 {
				ret.PairConcordance = append(ret.PairConcordance, ps)
			}
		}
	}

	return json.NewEncoder(output).Encode(ret)
}

func pairStats(a, b *cellProfile, chroms []string) cellPairStats {
	ps := cellPairStats{CellA: a.Name, CellB: b.Name}
	var sa, sb []float64
	agree := 0
	for _, chrom := range chroms {
		ca, cb := a.Chroms[chrom], b.Chroms[chrom]
		if ca == nil || cb == nil {
			continue
		}
		i, j := 0, 0
		for i < len(ca.Positions) && j < len(cb.Positions) {
			switch {
			case ca.Positions[i] < cb.Positions[j]:
				i++
			case ca.Positions[i] > cb.Positions[j]:
				j++
			default:
				sa = append(sa, float64(ca.States[i]))
				sb = append(sb, float64(cb.States[j]))
				if ca.States[i] == cb.States[j] {
					agree++
				}
				i++
				j++
			}
		}
	}
	ps.SharedSites = len(sa)
	if len(sa) > 0 {
		ps.Concordance = float64(agree) / float64(len(sa))
		if r := stat.Correlation(sa, sb, nil); !math.IsNaN(r) {
			// NaN when either cell is constant over the shared sites.
			ps.Correlation = r
		}
	}
	return ps
}

type scoredCalls struct {
	scores  []float64
	classes []bool
}

func (s scoredCalls) Len() int           { return len(s.scores) }
func (s scoredCalls) Less(i, j int) bool { return s.scores[i] < s.scores[j] }
func (s scoredCalls) Swap(i, j int) {
	s.scores[i], s.scores[j] = s.scores[j], s.scores[i]
	s.classes[i], s.classes[j] = s.classes[j], s.classes[i]
}

// neighborBaselineAUC scores each call by the mean state of up to k
// neighboring calls per side on the same chromosome, excluding the call
// itself, and returns the ROC AUC of that score against the call's own
// state. It is a no-model baseline for judging how much signal the
// neighborhood alone carries.
func neighborBaselineAUC(p *cellProfile, k int) float64 {
	var sc scoredCalls
	for _, chrom := range profileChromosomes(p) {
		cc := p.Chroms[chrom]
		for i := range cc.Positions {
			sum, n := 0, 0
			for d := 1; d <= k; d++ {
				if i-d >= 0 {
					sum += int(cc.States[i-d])
					n++
				}
				if i+d < len(cc.States) {
					sum += int(cc.States[i+d])
					n++
				}
			}
			if n == 0 {
				continue
			}
			sc.scores = append(sc.scores, float64(sum)/float64(n))
			sc.classes = append(sc.classes, cc.States[i] == 1)
		}
	}
	npos := 0
	for _, methylated := range sc.classes {
		if methylated {
			npos++
		}
	}
	if npos == 0 || npos == len(sc.classes) {
		return 0
	}
	sort.Sort(sc)
	tpr, fpr, _ := stat.ROC(nil, sc.scores, sc.classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
