// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type traincmd struct {
	libraryFile string
	refFile     string
	outputDir   string

	windowLen   int
	neighbors   int
	maxDist     int
	convFilters int
	kernelSize  int
	poolSize    int
	embedSize   int
	hiddenSize  int
	trunkSize   int
	dropout     float64
	shareDNA    bool

	batchSize      int
	learningRate   float64
	patience       int
	maxEpochs      int
	pretrainDNA    bool
	pretrainCPG    bool
	pretrainEpochs int
	valFraction    float64
	stratify       bool
	seed           int64
}

func (cmd *traincmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at `[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	flags.StringVar(&cmd.libraryFile, "lib", "-", "methylation profile library `file` from the import command")
	flags.StringVar(&cmd.refFile, "ref", "", "reference genome `fasta` file (may be gzipped)")
	flags.StringVar(&cmd.outputDir, "o", "", "output `directory` for model checkpoints")
	flags.IntVar(&cmd.windowLen, "window", 1001, "DNA window length in bases, centered on the target site")
	flags.IntVar(&cmd.neighbors, "neighbors", 25, "neighboring calls per side in the CpG context")
	flags.IntVar(&cmd.maxDist, "max-dist", 25000, "neighbor distance cap in bases")
	flags.IntVar(&cmd.convFilters, "conv-filters", 128, "convolution filters per block in the DNA module")
	flags.IntVar(&cmd.kernelSize, "kernel-size", 11, "convolution kernel width in the DNA module")
	flags.IntVar(&cmd.poolSize, "pool-size", 4, "max pooling window in the DNA module")
	flags.IntVar(&cmd.embedSize, "embed-size", 128, "DNA embedding size")
	flags.IntVar(&cmd.hiddenSize, "hidden-size", 256, "recurrent hidden size per direction in the CpG module")
	flags.IntVar(&cmd.trunkSize, "trunk-size", 512, "fusion trunk layer size")
	flags.Float64Var(&cmd.dropout, "dropout", 0.1, "dropout rate (0 disables)")
	flags.BoolVar(&cmd.shareDNA, "share-dna", true, "share one DNA embedding across cells instead of per-cell adapters")
	flags.IntVar(&cmd.batchSize, "batch-size", 128, "examples per minibatch")
	flags.Float64Var(&cmd.learningRate, "learning-rate", 1e-4, "Adam learning rate")
	flags.IntVar(&cmd.patience, "patience", 5, "epochs with no validation improvement before stopping")
	flags.IntVar(&cmd.maxEpochs, "max-epochs", 30, "maximum epochs per training stage")
	flags.BoolVar(&cmd.pretrainDNA, "pretrain-dna", true, "pretrain the DNA module before joint training")
	flags.BoolVar(&cmd.pretrainCPG, "pretrain-cpg", true, "pretrain the CpG context module before joint training")
	flags.IntVar(&cmd.pretrainEpochs, "pretrain-epochs", 10, "maximum epochs per pretraining stage")
	flags.Float64Var(&cmd.valFraction, "val-fraction", 0.1, "fraction of target sites held out for validation")
	flags.BoolVar(&cmd.stratify, "stratify", false, "oversample the minority methylation class during training")
	flags.Int64Var(&cmd.seed, "seed", 1, "random seed for parameter init and shuffling")
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
	if cmd.refFile == "" {
		err = errors.New("-ref is required")
		return 2
	}
	if cmd.outputDir == "" {
		err = errors.New("-o is required")
		return 2
	}
	if cmd.windowLen%2 == 0 {
		err = fmt.Errorf("-window must be odd, got %d", cmd.windowLen)
		return 2
	}
	err = cmd.run(stdin)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *traincmd) run(stdin io.Reader) error {
	lib, err := openProfileLibrary(cmd.libraryFile, stdin)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"cells":       len(lib.cells),
		"fingerprint": fmt.Sprintf("%x", lib.fingerprint[:8]),
	}).Info("loaded profile library")
	ref, err := loadGenome(cmd.refFile)
	if err != nil {
		return err
	}

	cfg := &modelConfig{
		Cells:       lib.cellNames(),
		WindowLen:   cmd.windowLen,
		Neighbors:   cmd.neighbors,
		MaxDist:     cmd.maxDist,
		ConvFilters: cmd.convFilters,
		KernelSize:  cmd.kernelSize,
		PoolSize:    cmd.poolSize,
		EmbedSize:   cmd.embedSize,
		HiddenSize:  cmd.hiddenSize,
		TrunkSize:   cmd.trunkSize,
		Dropout:     cmd.dropout,
		ShareDNA:    cmd.shareDNA,
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	sites := targetSites(lib.cells, ref.chromosomes())
	trainSites, validSites, err := splitSites(sites, cmd.valFraction, cmd.maxDist+1)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"sites":      len(sites),
		"train":      len(trainSites),
		"validation": len(validSites),
	}).Info("split target sites")

	backend := backends.MustNew()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(cmd.seed)
	cfg.setParams(ctx)

	checkpoint, err := checkpoints.Build(ctx).Dir(cmd.outputDir).Keep(3).Done()
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}

	// Materialize every variable of the full network once, so stage
	// freezing can enumerate them before any stage runs.
	probe := probeBatch(cfg)
	_, err = context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
		return cfg.modelFn(ctx, nil, inputs)
	}, probe[0], probe[1])
	if err != nil {
		return errors.Wrap(err, "initialize model")
	}
	pretrainProbe := func(modelFn train.ModelFn) error {
		_, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, inputs []*graph.Node) []*graph.Node {
			return modelFn(ctx, nil, inputs)
		}, probe[0], probe[1])
		return err
	}

	newTrainDS := func(name string) train.Dataset {
		ds := newExampleBuilder(name, ref, lib.cells, trainSites, cmd.windowLen, cmd.neighbors, cmd.maxDist, cmd.batchSize).
			withShuffle(cmd.seed).withInfinite()
		if cmd.stratify {
			ds.withStratify()
		}
		return datasets.Parallel(ds)
	}
	newValidDS := func(name string) train.Dataset {
		return newExampleBuilder(name, ref, lib.cells, validSites, cmd.windowLen, cmd.neighbors, cmd.maxDist, cmd.batchSize)
	}
	stepsPerEpoch := (len(trainSites) + cmd.batchSize - 1) / cmd.batchSize

	var interrupted atomic.Bool
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)
	go func() {
		for sig := range sigch {
			log.WithField("signal", sig).Warn("stopping at next epoch boundary")
			interrupted.Store(true)
		}
	}()

	type stagePlan struct {
		stage     string
		modelFn   train.ModelFn
		lossFn    train.LossFn
		maxEpochs int
	}
	var plan []stagePlan
	if cmd.pretrainDNA {
		if err := pretrainProbe(cfg.dnaPretrainFn); err != nil {
			return errors.Wrap(err, "initialize DNA pretraining head")
		}
		plan = append(plan, stagePlan{stageDNA, cfg.dnaPretrainFn, dnaPretrainLoss, cmd.pretrainEpochs})
	}
	if cmd.pretrainCPG {
		if err := pretrainProbe(cfg.cpgPretrainFn); err != nil {
			return errors.Wrap(err, "initialize CpG pretraining head")
		}
		plan = append(plan, stagePlan{stageCPG, cfg.cpgPretrainFn, maskedBCELoss, cmd.pretrainEpochs})
	}
	plan = append(plan, stagePlan{stageJoint, cfg.modelFn, maskedBCELoss, cmd.maxEpochs})

	for _, st := range plan {
		if interrupted.Load() {
			break
		}
		setStage(ctx, st.stage)
		log.WithField("stage", st.stage).Info("training stage starting")
		// Joint training saves checkpoints on improvement so the last
		// saved state is the best one; pretraining stages only shape
		// the weights the joint stage starts from.
		saver := checkpoint
		if st.stage != stageJoint {
			saver = nil
		}
		// Graph building reports problems by panicking; surface them
		// as ordinary errors.
		err := exceptions.TryCatch[error](func() {
			err := cmd.trainStage(backend, ctx, st.stage, st.modelFn, st.lossFn,
				newTrainDS("train/"+st.stage), newValidDS("validation/"+st.stage),
				stepsPerEpoch, st.maxEpochs, saver, &interrupted)
			if err != nil {
				panic(err)
			}
		})
		if err != nil {
			return errors.Wrapf(err, "stage %s", st.stage)
		}
	}

	if interrupted.Load() {
		log.Warn("training interrupted; last saved checkpoint is usable")
	}
	return nil
}

// trainStage runs one stage's epoch loop with early stopping: evaluate
// validation loss after each epoch, save on improvement, stop after
// patience epochs without one.
func (cmd *traincmd) trainStage(backend backends.Backend, ctx *context.Context, stage string, modelFn train.ModelFn, lossFn train.LossFn, trainDS, validDS train.Dataset, stepsPerEpoch, maxEpochs int, checkpoint *checkpoints.Handler, interrupted *atomic.Bool) error {
	trainer := train.NewTrainer(backend, ctx, modelFn, lossFn,
		optimizers.Adam().LearningRate(cmd.learningRate).Done(),
		[]metrics.Interface{newMaskedAccuracyMetric()},
		[]metrics.Interface{newMaskedAccuracyMetric()})
	loop := train.NewLoop(trainer)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		commandline.AttachProgressBar(loop)
	}

	bestLoss := math.Inf(1)
	sinceBest := 0
	for epoch := 0; epoch < maxEpochs; epoch++ {
		if interrupted.Load() {
			return nil
		}
		if _, err := loop.RunSteps(trainDS, stepsPerEpoch); err != nil {
			return errors.Wrap(err, "training epoch")
		}
		validDS.Reset()
		lossAndMetrics, err := trainer.Eval(validDS)
		if err != nil {
			return errors.Wrap(err, "validation")
		}
		loss := tensors.ToScalar[float32](lossAndMetrics[0])
		vloss := float64(loss)
		if math.IsNaN(vloss) || math.IsInf(vloss, 0) {
			return fmt.Errorf("validation loss diverged (%v) at epoch %d", vloss, epoch+1)
		}
		improved := vloss < bestLoss
		log.WithFields(log.Fields{
			"stage":    stage,
			"epoch":    epoch + 1,
			"loss":     vloss,
			"improved": improved,
		}).Info("validation")
		if improved {
			bestLoss = vloss
			sinceBest = 0
			if checkpoint != nil {
				if err := checkpoint.Save(); err != nil {
					return errors.Wrap(err, "save checkpoint")
				}
			}
		} else if sinceBest++; sinceBest >= cmd.patience {
			log.WithFields(log.Fields{"stage": stage, "epoch": epoch + 1}).Info("early stop, no validation improvement")
			return nil
		}
	}
	log.WithFields(log.Fields{"stage": stage, "best_loss": bestLoss}).Warn("stage hit the epoch limit without converging")
	if checkpoint != nil && math.IsInf(bestLoss, 1) {
		// Nothing improved and nothing was saved; save the final state
		// so the run still produces a model.
		return checkpoint.Save()
	}
	return nil
}

// probeBatch builds a minimal all-zero batch used only to trace the model
// graph and create its variables.
func probeBatch(cfg *modelConfig) []*tensors.Tensor {
	nCells := len(cfg.Cells)
	k2 := 2 * cfg.Neighbors
	dna := make([]float32, cfg.WindowLen*len(seqAlphabet))
	cpg := make([]float32, nCells*k2*neighborWidth)
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(dna, 1, cfg.WindowLen, len(seqAlphabet)),
		tensors.FromFlatDataAndDimensions(cpg, 1, nCells, k2, neighborWidth),
	}
}
