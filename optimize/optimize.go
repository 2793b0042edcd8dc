// Package optimize provides the public entry points for rewriting ONNX
// models: parse, run the fusion passes, serialize.
//
// # Example Usage
//
//	counts, err := optimize.File("model.onnx", "model.opt.onnx", optimize.Options{
//	    NumHeads:   12,
//	    HiddenSize: 768,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("fused attention blocks:", counts["Attention"])
//
// The fused operators live in the com.microsoft domain; the optimized model
// requires a runtime that implements them.
package optimize

import (
	"fmt"
	"log/slog"

	"github.com/born-ml/onnxopt/internal/fusion"
	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// Options configures an optimization run.
type Options struct {
	// NumHeads enables attention fusion when positive.
	NumHeads int64
	// HiddenSize cross-checks attention weights; 0 trusts the weights.
	HiddenSize int64
	// AlphaTolerance widens the QuickGelu constant gate when positive.
	AlphaTolerance float64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Bytes optimizes a serialized model and returns the rewritten bytes along
// with per-pass fusion counts.
func Bytes(data []byte, opts Options) ([]byte, map[string]int, error) {
	model, err := onnx.Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse model: %w", err)
	}
	counts, err := run(model, opts)
	if err != nil {
		return nil, counts, err
	}
	return onnx.Marshal(model), counts, nil
}

// File optimizes the model at inPath and writes the result to outPath.
func File(inPath, outPath string, opts Options) (map[string]int, error) {
	model, err := onnx.ParseFile(inPath)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", inPath, err)
	}
	counts, err := run(model, opts)
	if err != nil {
		return counts, err
	}
	if err := onnx.WriteFile(outPath, model); err != nil {
		return counts, fmt.Errorf("write %s: %w", outPath, err)
	}
	return counts, nil
}

func run(model *onnx.ModelProto, opts Options) (map[string]int, error) {
	opt := fusion.NewOptimizer(graph.New(model), fusion.Options{
		NumHeads:       opts.NumHeads,
		HiddenSize:     opts.HiddenSize,
		AlphaTolerance: opts.AlphaTolerance,
		Logger:         opts.Logger,
	})
	return opt.Run()
}
