package fusion

import (
	"fmt"
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// Options configures an optimization run.
type Options struct {
	// NumHeads is required for attention fusion; 0 disables that pass.
	NumHeads int64
	// HiddenSize cross-checks the attention weights; 0 trusts the weights.
	HiddenSize int64
	// AlphaTolerance overrides the QuickGelu scalar gate when nonzero.
	AlphaTolerance float64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Optimizer runs the fusion passes over one model in a fixed order and
// cleans up afterwards: reachability pruning when a pass asked for it,
// unused-constant removal, opset registration for the fused domain, and a
// final deterministic topological sort.
type Optimizer struct {
	model *graph.Model
	opts  Options
	log   *slog.Logger
}

// NewOptimizer builds an optimizer over model.
func NewOptimizer(model *graph.Model, opts Options) *Optimizer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{model: model, opts: opts, log: log}
}

// Run validates the graph, applies every enabled pass, and returns per-pass
// fusion counts. The graph is left validated and topologically sorted.
func (o *Optimizer) Run() (map[string]int, error) {
	if err := o.model.Validate(); err != nil {
		return nil, fmt.Errorf("pre-optimization validation: %w", err)
	}

	passes := []Pass{
		NewGemmToMatMul(o.model, o.log),
	}
	if o.opts.NumHeads > 0 {
		passes = append(passes, NewAttention(o.model, o.log, o.opts.NumHeads, o.opts.HiddenSize))
	}
	passes = append(passes, NewRelativePositionBias(o.model, o.log))
	quickGelu := NewQuickGelu(o.model, o.log)
	if o.opts.AlphaTolerance > 0 {
		quickGelu.Tolerance = o.opts.AlphaTolerance
	}
	passes = append(passes, quickGelu, NewQOrderedMatMul(o.model, o.log))

	counts := make(map[string]int, len(passes))
	needsPrune := false
	fusedCustom := 0
	for _, p := range passes {
		if err := p.Apply(); err != nil {
			return counts, fmt.Errorf("%s: %w", p.Name(), err)
		}
		counts[p.Name()] = p.Fused()
		if p.Fused() > 0 {
			o.log.Info("fusion pass finished", "pass", p.Name(), "fused", p.Fused())
		}
		if p.NeedsPrune() {
			needsPrune = true
		}
		if p.Fused() > 0 && p.Name() != "GemmToMatMul" {
			fusedCustom += p.Fused()
		}
	}

	if needsPrune {
		o.model.PruneGraph()
	} else {
		o.model.RemoveUnusedConstants()
		o.model.CleanInitializers()
	}

	if fusedCustom > 0 {
		o.model.SetOpsetImport(onnx.MSDomain, 1)
	}

	if err := o.model.TopologicalSort(); err != nil {
		return counts, fmt.Errorf("post-optimization sort: %w", err)
	}
	if err := o.model.Validate(); err != nil {
		return counts, fmt.Errorf("post-optimization validation: %w", err)
	}
	return counts, nil
}
