// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// variantEffect is the predicted effect of one single-base substitution in
// the DNA window of a target site.
type variantEffect struct {
	Offset  int // position relative to the target site, negative = upstream
	RefBase byte
	AltBase byte
	Deltas  []float32 // per cell, variant probability minus reference
}

type mutagenesiscmd struct {
	modelDir    string
	libraryFile string
	refFile     string
	outputFile  string
	site        string
	batchSize   int
}

func (cmd *mutagenesiscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&cmd.modelDir, "model", "", "model checkpoint `directory` from the train command")
	flags.StringVar(&cmd.libraryFile, "lib", "-", "methylation profile library `file` providing neighbor context")
	flags.StringVar(&cmd.refFile, "ref", "", "reference genome `fasta` file (may be gzipped)")
	flags.StringVar(&cmd.outputFile, "o", "-", "output TSV `file`")
	flags.StringVar(&cmd.site, "site", "", "target site as `chrom:pos` (0-based)")
	flags.IntVar(&cmd.batchSize, "batch-size", 128, "variants per prediction batch")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)
	if cmd.modelDir == "" || cmd.refFile == "" || cmd.site == "" {
		err = errors.New("-model, -ref, and -site are required")
		return 2
	}
	err = cmd.run(stdin, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func parseSite(s string) (siteRef, error) {
	colon := strings.LastIndexByte(s, ':')
	if colon < 1 {
		return siteRef{}, fmt.Errorf("invalid site %q, want chrom:pos", s)
	}
	pos, err := strconv.Atoi(s[colon+1:])
	if err != nil || pos < 0 {
		return siteRef{}, fmt.Errorf("invalid site position in %q", s)
	}
	return siteRef{Chrom: s[:colon], Pos: pos}, nil
}

func (cmd *mutagenesiscmd) run(stdin io.Reader, stdout io.Writer) error {
	site, err := parseSite(cmd.site)
	if err != nil {
		return err
	}
	pred, err := loadPredictor(cmd.modelDir)
	if err != nil {
		return err
	}
	lib, err := openProfileLibrary(cmd.libraryFile, stdin)
	if err != nil {
		return err
	}
	if err := checkCells(pred.cfg.Cells, lib.cellNames()); err != nil {
		return err
	}
	ref, err := loadGenome(cmd.refFile)
	if err != nil {
		return err
	}

	effects, base, err := mutagenesisScan(pred, ref, lib.cells, site, cmd.batchSize)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"site":     cmd.site,
		"variants": len(effects),
	}).Info("scored variants")

	var out io.Writer
	if cmd.outputFile == "-" {
		out = stdout
	} else {
		f, err := os.Create(cmd.outputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		bw := bufio.NewWriter(f)
		defer bw.Flush()
		out = bw
	}
	return writeEffectsTSV(out, pred.cfg.Cells, base, effects)
}

// mutagenesisScan predicts the reference window, then every single-base
// substitution of it, holding the neighbor context fixed. It returns the
// per-variant prediction deltas and the reference predictions per cell.
func mutagenesisScan(pred *predictor, ref genome, cells []*cellProfile, site siteRef, batchSize int) ([]variantEffect, []float32, error) {
	cfg := pred.cfg
	seq, err := ref.window(site.Chrom, site.Pos, cfg.WindowLen)
	if err != nil {
		return nil, nil, err
	}
	alpha := len(seqAlphabet)
	k2 := 2 * cfg.Neighbors
	refDNA := make([]float32, cfg.WindowLen*alpha)
	encodeWindow(seq, refDNA)
	cpgRow := make([]float32, len(cells)*k2*neighborWidth)
	for c, p := range cells {
		off := c * k2 * neighborWidth
		p.encodeNeighbors(site.Chrom, site.Pos, cfg.Neighbors, cfg.MaxDist, cpgRow[off:off+k2*neighborWidth])
	}

	predictRows := func(dnaRows [][]float32) ([][]float32, error) {
		b := len(dnaRows)
		dna := make([]float32, 0, b*cfg.WindowLen*alpha)
		cpg := make([]float32, 0, b*len(cpgRow))
		for _, row := range dnaRows {
			dna = append(dna, row...)
			cpg = append(cpg, cpgRow...)
		}
		outs, err := pred.exec.Exec(
			tensors.FromFlatDataAndDimensions(dna, b, cfg.WindowLen, alpha),
			tensors.FromFlatDataAndDimensions(cpg, b, len(cells), k2, neighborWidth))
		if err != nil {
			return nil, err
		}
		var flat []float32
		err = tensors.ConstFlatData[float32](outs[0], func(data []float32) {
			flat = append(flat, data...)
		})
		if err != nil {
			return nil, err
		}
		rows := make([][]float32, b)
		for i := range rows {
			rows[i] = flat[i*len(cells) : (i+1)*len(cells)]
		}
		return rows, nil
	}

	baseRows, err := predictRows([][]float32{refDNA})
	if err != nil {
		return nil, nil, err
	}
	base := baseRows[0]

	var effects []variantEffect
	var pending [][]float32
	var pendingMeta []variantEffect
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		rows, err := predictRows(pending)
		if err != nil {
			return err
		}
		for i, row := range rows {
			eff := pendingMeta[i]
			eff.Deltas = make([]float32, len(row))
			for c := range row {
				eff.Deltas[c] = row[c] - base[c]
			}
			effects = append(effects, eff)
		}
		pending, pendingMeta = pending[:0], pendingMeta[:0]
		return nil
	}
	center := cfg.WindowLen / 2
	for i := 0; i < cfg.WindowLen; i++ {
		refBase := seq[i]
		for alt := 0; alt < unknownBaseIndex; alt++ {
			if baseIndex(refBase) == alt {
				continue
			}
			variant := make([]float32, len(refDNA))
			copy(variant, refDNA)
			for j := 0; j < alpha; j++ {
				variant[i*alpha+j] = 0
			}
			variant[i*alpha+alt] = 1
			pending = append(pending, variant)
			pendingMeta = append(pendingMeta, variantEffect{
				Offset:  i - center,
				RefBase: refBase,
				AltBase: seqAlphabet[alt],
			})
			if len(pending) >= batchSize {
				if err := flush(); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	return effects, base, nil
}

// writeEffectsTSV writes one row per variant: window offset, reference and
// alternate base, and per-cell probability delta.
func writeEffectsTSV(w io.Writer, cellNames []string, base []float32, effects []variantEffect) error {
	fmt.Fprintf(w, "offset\tref\talt")
	for _, cell := range cellNames {
		fmt.Fprintf(w, "\t%s", cell)
	}
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "0\t.\t.")
	for _, p := range base {
		fmt.Fprintf(w, "\t%.6f", p)
	}
	fmt.Fprintf(w, "\n")
	for _, eff := range effects {
		fmt.Fprintf(w, "%d\t%c\t%c", eff.Offset, eff.RefBase, eff.AltBase)
		for _, d := range eff.Deltas {
			fmt.Fprintf(w, "\t%.6f", d)
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}
