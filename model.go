// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scmeth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Training stages. Pretraining freezes everything but one embedding module
// and its temporary head; joint training unfreezes the full network.
const (
	stageDNA   = "dna"
	stageCPG   = "cpg"
	stageJoint = "joint"
)

// Context scopes holding the trainable variables of each module.
const (
	scopeDNA   = "dna_module"
	scopeCPG   = "cpg_module"
	scopeJoint = "joint_module"
)

// modelConfig fixes the architecture and feature geometry of a model. It is
// stored in the checkpoint's parameters, so an imputation run reconstructs
// the exact network that was trained.
type modelConfig struct {
	Cells       []string // head order, sorted by cell name
	WindowLen   int
	Neighbors   int // per side
	MaxDist     int
	ConvFilters int
	KernelSize  int
	PoolSize    int
	EmbedSize   int
	HiddenSize  int // LSTM hidden size, per direction
	TrunkSize   int
	Dropout     float64
	ShareDNA    bool
}

func (cfg *modelConfig) validate() error {
	switch {
	case len(cfg.Cells) == 0:
		return fmt.Errorf("model config: no cells")
	case cfg.WindowLen < cfg.PoolSize*2:
		return fmt.Errorf("model config: window length %d too small for pooling %d", cfg.WindowLen, cfg.PoolSize)
	case cfg.Neighbors < 1:
		return fmt.Errorf("model config: neighbors per side must be >= 1")
	case cfg.MaxDist < 1:
		return fmt.Errorf("model config: max neighbor distance must be >= 1")
	}
	if !sort.StringsAreSorted(cfg.Cells) {
		return fmt.Errorf("model config: cell names out of order")
	}
	return nil
}

// setParams writes the config into ctx so it is persisted by checkpoints.
func (cfg *modelConfig) setParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		"cells":        strings.Join(cfg.Cells, ","),
		"window_len":   cfg.WindowLen,
		"neighbors":    cfg.Neighbors,
		"max_dist":     cfg.MaxDist,
		"conv_filters": cfg.ConvFilters,
		"kernel_size":  cfg.KernelSize,
		"pool_size":    cfg.PoolSize,
		"embed_size":   cfg.EmbedSize,
		"hidden_size":  cfg.HiddenSize,
		"trunk_size":   cfg.TrunkSize,
		"dropout":      cfg.Dropout,
		"share_dna":    cfg.ShareDNA,
	})
}

func configFromParams(ctx *context.Context) (*modelConfig, error) {
	cells := context.GetParamOr(ctx, "cells", "")
	if cells == "" {
		return nil, fmt.Errorf("checkpoint has no model config")
	}
	cfg := &modelConfig{
		Cells:       strings.Split(cells, ","),
		WindowLen:   context.GetParamOr(ctx, "window_len", 0),
		Neighbors:   context.GetParamOr(ctx, "neighbors", 0),
		MaxDist:     context.GetParamOr(ctx, "max_dist", 0),
		ConvFilters: context.GetParamOr(ctx, "conv_filters", 0),
		KernelSize:  context.GetParamOr(ctx, "kernel_size", 0),
		PoolSize:    context.GetParamOr(ctx, "pool_size", 0),
		EmbedSize:   context.GetParamOr(ctx, "embed_size", 0),
		HiddenSize:  context.GetParamOr(ctx, "hidden_size", 0),
		TrunkSize:   context.GetParamOr(ctx, "trunk_size", 0),
		Dropout:     context.GetParamOr(ctx, "dropout", 0.0),
		ShareDNA:    context.GetParamOr(ctx, "share_dna", false),
	}
	return cfg, cfg.validate()
}

func (cfg *modelConfig) dropoutNode(ctx *context.Context, x *graph.Node) *graph.Node {
	if cfg.Dropout <= 0 {
		return x
	}
	g := x.Graph()
	return layers.DropoutNormalize(ctx, x, graph.Scalar(g, x.DType(), cfg.Dropout), true)
}

// dnaEmbedding maps one-hot DNA windows [b, L, 5] to an embedding [b, e]:
// two 1-D convolution + max-pool blocks followed by a dense projection.
func (cfg *modelConfig) dnaEmbedding(ctx *context.Context, dna *graph.Node) *graph.Node {
	ctx = ctx.In(scopeDNA)
	x := dna
	for blk := 0; blk < 2; blk++ {
		x = layers.Convolution(ctx.Inf("conv%d", blk), x).
			Channels(cfg.ConvFilters).
			KernelSize(cfg.KernelSize).
			PadSame().
			Done()
		x = activations.Relu(x)
		x = graph.MaxPool(x).Window(cfg.PoolSize).Done()
	}
	flatDim := x.Shape().Dimensions[1] * x.Shape().Dimensions[2]
	x = graph.Reshape(x, -1, flatDim)
	x = layers.Dense(ctx.In("embed"), x, true, cfg.EmbedSize)
	x = activations.Relu(x)
	return cfg.dropoutNode(ctx, x)
}

// cpgEmbeddings maps neighbor blocks [b, cells, 2k, 2] to per-cell
// embeddings [b, cells, 2h]. One bidirectional recurrence over the 2k
// neighbor rows is shared by every cell.
func (cfg *modelConfig) cpgEmbeddings(ctx *context.Context, cpg *graph.Node) *graph.Node {
	ctx = ctx.In(scopeCPG)
	b := cpg.Shape().Dimensions[0]
	nCells := cpg.Shape().Dimensions[1]
	k2 := cpg.Shape().Dimensions[2]
	x := graph.Reshape(cpg, b*nCells, k2, neighborWidth)
	_, lastHidden, _ := lstm.New(ctx.In("rnn"), x, cfg.HiddenSize).
		Direction(lstm.DirBidirectional).
		Done()
	// lastHidden is [2, b*cells, h]; join the two directions.
	fwd := graph.Squeeze(graph.Slice(lastHidden, graph.AxisElem(0)), 0)
	bwd := graph.Squeeze(graph.Slice(lastHidden, graph.AxisElem(1)), 0)
	x = graph.Concatenate([]*graph.Node{fwd, bwd}, -1)
	x = cfg.dropoutNode(ctx, x)
	return graph.Reshape(x, b, nCells, 2*cfg.HiddenSize)
}

// jointLogits fuses the DNA embedding [b, e] with the per-cell neighbor
// embeddings [b, cells, 2h] and produces one logit per cell [b, cells].
// With ShareDNA the DNA embedding is broadcast across cells unchanged;
// otherwise each cell adapts it through its own linear projection first.
func (cfg *modelConfig) jointLogits(ctx *context.Context, dnaEmbed, cpgEmbed *graph.Node) *graph.Node {
	jctx := ctx.In(scopeJoint)
	b := cpgEmbed.Shape().Dimensions[0]
	nCells := cpgEmbed.Shape().Dimensions[1]
	e := dnaEmbed.Shape().Dimensions[1]
	var dnaPerCell *graph.Node
	if cfg.ShareDNA {
		dnaPerCell = graph.BroadcastToDims(graph.InsertAxes(dnaEmbed, 1), b, nCells, e)
	} else {
		adapted := make([]*graph.Node, nCells)
		for c := range adapted {
			x := layers.Dense(jctx.Inf("dna_adapter_%03d", c), dnaEmbed, true, e)
			adapted[c] = graph.InsertAxes(activations.Relu(x), 1)
		}
		dnaPerCell = graph.Concatenate(adapted, 1)
	}
	x := graph.Concatenate([]*graph.Node{dnaPerCell, cpgEmbed}, -1)
	fused := x.Shape().Dimensions[2]
	x = graph.Reshape(x, b*nCells, fused)
	x = layers.Dense(jctx.In("trunk"), x, true, cfg.TrunkSize)
	x = activations.Relu(x)
	x = cfg.dropoutNode(jctx, x)
	x = graph.Reshape(x, b, nCells, cfg.TrunkSize)
	// One output head per cell, in the fixed cell order.
	heads := make([]*graph.Node, nCells)
	for c := range heads {
		cellTrunk := graph.Squeeze(graph.Slice(x, graph.AxisRange(), graph.AxisElem(c)), 1)
		heads[c] = layers.Dense(jctx.Inf("head_%03d", c), cellTrunk, true, 1)
	}
	return graph.Concatenate(heads, -1) // [b, cells]
}

// modelGraph builds the full forward pass, returning logits [b, cells].
func (cfg *modelConfig) modelGraph(ctx *context.Context, inputs []*graph.Node) *graph.Node {
	dna, cpg := inputs[0], inputs[1]
	return cfg.jointLogits(ctx, cfg.dnaEmbedding(ctx, dna), cfg.cpgEmbeddings(ctx, cpg))
}

func (cfg *modelConfig) modelFn(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{cfg.modelGraph(ctx, inputs)}
}

// dnaPretrainFn trains the DNA module alone: its embedding feeds a
// temporary head predicting the across-cell mean state of the site.
func (cfg *modelConfig) dnaPretrainFn(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	embed := cfg.dnaEmbedding(ctx, inputs[0])
	logit := layers.Dense(ctx.In(scopeDNA).In("pretrain_head"), embed, true, 1)
	return []*graph.Node{graph.Squeeze(logit, -1)} // [b]
}

// cpgPretrainFn trains the neighbor module alone: each cell's embedding
// feeds one shared temporary head predicting that cell's state.
func (cfg *modelConfig) cpgPretrainFn(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	embed := cfg.cpgEmbeddings(ctx, inputs[1]) // [b, cells, 2h]
	b := embed.Shape().Dimensions[0]
	nCells := embed.Shape().Dimensions[1]
	x := graph.Reshape(embed, b*nCells, 2*cfg.HiddenSize)
	logit := layers.Dense(ctx.In(scopeCPG).In("pretrain_head"), x, true, 1)
	return []*graph.Node{graph.Reshape(logit, b, nCells)}
}

// maskedBCELoss averages binary cross-entropy over observed slots only:
// per example, the masked sum divided by the number of observed cells
// (at least 1, so fully missing examples contribute zero loss), then
// averaged over the batch.
func maskedBCELoss(labels, predictions []*graph.Node) *graph.Node {
	y, mask := labels[0], labels[1]
	logits := predictions[0]
	g := logits.Graph()
	perSlot := losses.BinaryCrossentropyLogits([]*graph.Node{y}, []*graph.Node{logits})
	perSlot = graph.Mul(perSlot, mask)
	perExample := graph.ReduceSum(perSlot, -1)
	count := graph.Max(graph.ReduceSum(mask, -1), graph.ScalarOne(g, mask.DType()))
	return graph.ReduceAllMean(graph.Div(perExample, count))
}

// dnaPretrainLoss scores the DNA pretraining head against the across-cell
// mean observed state, weighting each example by whether it has any
// observation at all.
func dnaPretrainLoss(labels, predictions []*graph.Node) *graph.Node {
	y, mask := labels[0], labels[1]
	logits := predictions[0] // [b]
	g := logits.Graph()
	count := graph.ReduceSum(mask, -1)
	safe := graph.Max(count, graph.ScalarOne(g, mask.DType()))
	meanY := graph.Div(graph.ReduceSum(graph.Mul(y, mask), -1), safe)
	hasAny := graph.Min(count, graph.ScalarOne(g, mask.DType()))
	perExample := losses.BinaryCrossentropyLogits([]*graph.Node{meanY}, []*graph.Node{logits})
	perExample = graph.Mul(perExample, hasAny)
	denom := graph.Max(graph.ReduceSum(hasAny), graph.ScalarOne(g, mask.DType()))
	return graph.Div(graph.ReduceSum(perExample), denom)
}

// maskedAccuracyGraph is the fraction of observed slots whose thresholded
// prediction matches the label.
func maskedAccuracyGraph(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
	y, mask := labels[0], labels[1]
	logits := predictions[0]
	g := logits.Graph()
	if logits.Rank() == 1 {
		// DNA pretraining emits one logit per example; score it
		// against the across-cell mean state.
		count := graph.ReduceSum(mask, -1)
		safe := graph.Max(count, graph.ScalarOne(g, mask.DType()))
		y = graph.Div(graph.ReduceSum(graph.Mul(y, mask), -1), safe)
		mask = graph.Min(count, graph.ScalarOne(g, mask.DType()))
	}
	half := graph.ConstAsDType(g, logits.DType(), 0.5)
	pred := graph.ConvertDType(graph.GreaterOrEqual(graph.Sigmoid(logits), half), y.DType())
	hit := graph.ConvertDType(graph.Equal(pred, y), mask.DType())
	num := graph.ReduceAllSum(graph.Mul(hit, mask))
	den := graph.Max(graph.ReduceAllSum(mask), graph.ScalarOne(g, mask.DType()))
	return graph.Div(num, den)
}

func newMaskedAccuracyMetric() metrics.Interface {
	return metrics.NewMeanMetric("Masked Accuracy", "acc", "accuracy", maskedAccuracyGraph, nil)
}

var _ train.ModelFn = (*modelConfig)(nil).modelFn
var _ train.LossFn = maskedBCELoss

// setStage marks which model variables train during a stage: during
// pretraining only the named module (and its temporary head) updates,
// during joint training all three modules do. Variables outside the model
// scopes (optimizer slots, step counters) keep whatever trainability their
// owner gave them.
func setStage(ctx *context.Context, stage string) {
	var active string
	switch stage {
	case stageDNA:
		active = "/" + scopeDNA
	case stageCPG:
		active = "/" + scopeCPG
	case stageJoint:
		active = ""
	default:
		panic(fmt.Sprintf("unknown training stage %q", stage))
	}
	modelScopes := []string{"/" + scopeDNA, "/" + scopeCPG, "/" + scopeJoint}
	ctx.EnumerateVariables(func(v *context.Variable) {
		inModel := false
		for _, scope := range modelScopes {
			if strings.HasPrefix(v.Scope(), scope) {
				inModel = true
				break
			}
		}
		if !inModel {
			return
		}
		v.SetTrainable(active == "" || strings.HasPrefix(v.Scope(), active))
	})
}
