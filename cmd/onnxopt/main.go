// Package main provides the onnxopt CLI.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/born-ml/onnxopt/internal/onnx"
	"github.com/born-ml/onnxopt/optimize"
)

const version = "v0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "version":
		fmt.Printf("onnxopt %s\n", version)
	case "optimize":
		if err := runOptimize(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "inspect":
		if err := runInspect(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("onnxopt - ONNX graph fusion and rewrite tool")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  optimize   Rewrite a model with the fusion passes")
	fmt.Println("  inspect    Print model metadata and operator counts")
	fmt.Println("  version    Show version")
}

func runOptimize(args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	out := fs.String("o", "", "output path (default: <input>.opt.onnx)")
	numHeads := fs.Int64("num-heads", 0, "attention head count (0 disables attention fusion)")
	hiddenSize := fs.Int64("hidden-size", 0, "hidden size cross-check (0 trusts the weights)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: onnxopt optimize [flags] <model.onnx>")
	}
	in := fs.Arg(0)
	if *out == "" {
		*out = in + ".opt.onnx"
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	counts, err := optimize.File(in, *out, optimize.Options{
		NumHeads:   *numHeads,
		HiddenSize: *hiddenSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-24s %d\n", name, counts[name])
	}
	fmt.Println("wrote", *out)
	return nil
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: onnxopt inspect <model.onnx>")
	}

	m, err := onnx.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("producer:   %s %s\n", m.ProducerName, m.ProducerVersion)
	fmt.Printf("ir version: %d\n", m.IRVersion)
	for _, op := range m.OpsetImport {
		domain := op.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		fmt.Printf("opset:      %s v%d\n", domain, op.Version)
	}
	if m.Graph == nil {
		return fmt.Errorf("model has no graph")
	}
	fmt.Printf("graph:      %s\n", m.Graph.Name)
	fmt.Printf("nodes:      %d\n", len(m.Graph.Nodes))
	fmt.Printf("inits:      %d\n", len(m.Graph.Initializers))
	for i := range m.Graph.Inputs {
		fmt.Printf("input:      %s\n", m.Graph.Inputs[i].Name)
	}
	for i := range m.Graph.Outputs {
		fmt.Printf("output:     %s\n", m.Graph.Outputs[i].Name)
	}

	hist := make(map[string]int)
	for _, node := range m.Graph.Nodes {
		key := node.OpType
		if node.Domain != "" {
			key = node.Domain + "." + node.OpType
		}
		hist[key]++
	}
	ops := make([]string, 0, len(hist))
	for op := range hist {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Printf("  %-32s %d\n", op, hist[op])
	}
	return nil
}
