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
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/kshedden/gonpy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// predictor wraps a trained model restored from a checkpoint and scores
// batches of sites.
type predictor struct {
	cfg  *modelConfig
	exec *context.Exec
}

// loadPredictor restores the model (architecture parameters and weights)
// from a checkpoint directory.
func loadPredictor(dir string) (*predictor, error) {
	ctx := context.New()
	_, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return nil, errors.Wrapf(err, "load checkpoint from %s", dir)
	}
	cfg, err := configFromParams(ctx)
	if err != nil {
		return nil, err
	}
	backend := backends.MustNew()
	exec, err := context.NewExec(backend, ctx.Reuse(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		ctx.SetTraining(inputs[0].Graph(), false)
		return graph.Sigmoid(cfg.modelGraph(ctx, inputs))
	})
	if err != nil {
		return nil, errors.Wrap(err, "compile prediction graph")
	}
	return &predictor{cfg: cfg, exec: exec}, nil
}

// predict scores one batch of sites and returns probabilities [b][cells].
func (p *predictor) predict(ds *exampleBuilder, batch []siteRef) ([][]float32, error) {
	inputs, _ := ds.buildBatch(batch)
	outs, err := p.exec.Exec(inputs[0], inputs[1])
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
	nCells := len(p.cfg.Cells)
	probs := make([][]float32, len(batch))
	for i := range probs {
		probs[i] = flat[i*nCells : (i+1)*nCells]
	}
	return probs, nil
}

type imputecmd struct {
	modelDir    string
	libraryFile string
	refFile     string
	outputDir   string
	batchSize   int
	allCpG      bool
	writeTSV    bool
}

func (cmd *imputecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.outputDir, "o", "", "output `directory`")
	flags.IntVar(&cmd.batchSize, "batch-size", 128, "sites per prediction batch")
	flags.BoolVar(&cmd.allCpG, "all-cpg", false, "impute every CpG site of the genome instead of observed sites only")
	flags.BoolVar(&cmd.writeTSV, "tsv", false, "also write predictions as TSV")
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
	if cmd.modelDir == "" || cmd.refFile == "" || cmd.outputDir == "" {
		err = errors.New("-model, -ref, and -o are required")
		return 2
	}
	err = cmd.run(stdin)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *imputecmd) run(stdin io.Reader) error {
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
	var sites []siteRef
	if cmd.allCpG {
		sites = allCpGSites(ref)
	} else {
		sites = targetSites(lib.cells, ref.chromosomes())
	}
	if len(sites) == 0 {
		return errEmptyDataset
	}
	log.WithField("sites", len(sites)).Info("imputing")

	ds := newExampleBuilder("impute", ref, lib.cells, sites,
		pred.cfg.WindowLen, pred.cfg.Neighbors, pred.cfg.MaxDist, cmd.batchSize)
	if err := os.MkdirAll(cmd.outputDir, 0777); err != nil {
		return err
	}

	probs := make([]float32, 0, len(sites)*len(pred.cfg.Cells))
	var kept []siteRef
	for start := 0; start < len(sites); start += cmd.batchSize {
		end := start + cmd.batchSize
		if end > len(sites) {
			end = len(sites)
		}
		batch := sites[start:end:end]
		batch = filterValidWindows(ref, batch, pred.cfg.WindowLen)
		if len(batch) == 0 {
			continue
		}
		rows, err := pred.predict(ds, batch)
		if err != nil {
			return err
		}
		for _, row := range rows {
			probs = append(probs, row...)
		}
		kept = append(kept, batch...)
	}
	if len(kept) < len(sites) {
		log.Warnf("skipped %d of %d sites with windows outside chromosome bounds", len(sites)-len(kept), len(sites))
	}
	if len(kept) == 0 {
		return errEmptyDataset
	}

	if err := writeNpyMatrix(filepath.Join(cmd.outputDir, "predictions.npy"), probs, len(kept), len(pred.cfg.Cells)); err != nil {
		return err
	}
	if err := writeSitesTSV(filepath.Join(cmd.outputDir, "sites.tsv"), kept); err != nil {
		return err
	}
	if cmd.writeTSV {
		if err := writePredictionsTSV(filepath.Join(cmd.outputDir, "predictions.tsv"), pred.cfg.Cells, kept, probs); err != nil {
			return err
		}
	}
	return nil
}

// checkCells verifies the library provides a profile for every model head,
// in the same order.
func checkCells(modelCells, libCells []string) error {
	if len(modelCells) != len(libCells) {
		return fmt.Errorf("model was trained on %d cells but library has %d", len(modelCells), len(libCells))
	}
	for i, name := range modelCells {
		if libCells[i] != name {
			return fmt.Errorf("model cell %d is %q but library has %q", i, name, libCells[i])
		}
	}
	return nil
}

func filterValidWindows(g genome, sites []siteRef, windowLen int) []siteRef {
	out := sites[:0:len(sites)]
	for _, s := range sites {
		if _, err := g.window(s.Chrom, s.Pos, windowLen); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// writeNpyMatrix writes a [rows, cols] float32 matrix in npy format.
func writeNpyMatrix(path string, flat []float32, rows, cols int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	npw.Shape = []int{rows, cols}
	if err := npw.WriteFloat32(flat); err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writeSitesTSV(path string, sites []siteRef) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "chrom\tpos\n")
	for _, s := range sites {
		fmt.Fprintf(bw, "%s\t%d\n", s.Chrom, s.Pos)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func writePredictionsTSV(path string, cells []string, sites []siteRef, probs []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "chrom\tpos")
	for _, cell := range cells {
		fmt.Fprintf(bw, "\t%s", cell)
	}
	fmt.Fprintf(bw, "\n")
	for i, s := range sites {
		fmt.Fprintf(bw, "%s\t%d", s.Chrom, s.Pos)
		for c := range cells {
			fmt.Fprintf(bw, "\t%.6f", probs[i*len(cells)+c])
		}
		fmt.Fprintf(bw, "\n")
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
