package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// RelativePositionBias collapses the relative-position bucketing stem, a
// GatherElements-anchored chain of a dozen shape/index ops fed by a Gemm
// over the bias table, into a single com.microsoft RelativePositionBias
// node. The bias table is re-emitted column-major: dims swapped, payload
// untouched.
type RelativePositionBias struct {
	fusion

	MaxDistance     int64
	IsBidirectional int64
}

// NewRelativePositionBias builds the pass with the bucketing parameters the
// kernel expects.
func NewRelativePositionBias(model *graph.Model, log *slog.Logger) *RelativePositionBias {
	return &RelativePositionBias{
		fusion:          newFusion(model, log, "RelativePositionBias"),
		MaxDistance:     128,
		IsBidirectional: 1,
	}
}

func (f *RelativePositionBias) Name() string { return f.name }

func (f *RelativePositionBias) Apply() error {
	return f.run([]string{"GatherElements"}, f.fuse)
}

func (f *RelativePositionBias) fuse(node *onnx.NodeProto, consumers map[string][]*onnx.NodeProto, producers map[string]*onnx.NodeProto) error {
	stemNodes, _ := f.model.MatchParentPath(node, []string{
		"Expand", "Where", "Equal", "Concat", "Unsqueeze", "Gather",
		"Shape", "Sub", "Unsqueeze", "Expand", "Unsqueeze", "Range",
	}, nil, producers)
	if stemNodes == nil {
		return nil
	}
	expand := stemNodes[0]
	rangeNode := stemNodes[len(stemNodes)-1]

	rpbNodes, _ := f.model.MatchParentPath(expand,
		[]string{"Unsqueeze", "Unsqueeze", "Gemm"}, nil, producers)
	if rpbNodes == nil {
		return nil
	}
	gemm := rpbNodes[len(rpbNodes)-1]

	tableWeight := f.model.GetInitializer(gemm.Inputs[0])
	if tableWeight == nil || len(tableWeight.Dims) != 2 {
		return nil
	}

	// The anchor goes too: the fused node takes over its output name, and
	// leaving it behind would put two producers on the same tensor.
	removed := append([]*onnx.NodeProto{node}, stemNodes...)
	removed = append(removed, rpbNodes...)
	if f.claimed(removed) {
		f.log.Debug("fuse_rel_pos_bias: subgraph taken by an earlier match, skipping")
		return nil
	}
	if !f.model.IsSafeToFuse(removed, node.Outputs, consumers) {
		f.log.Debug("fuse_rel_pos_bias: bucketing stem has external consumers, skipping")
		return nil
	}

	values, err := onnx.Float32Values(tableWeight)
	if err != nil {
		f.log.Debug("fuse_rel_pos_bias: bias table not readable", "error", err)
		return nil
	}
	// Swapped dims over the identical flattened payload: the kernel reads
	// the table column-major. The table is named after the fused node so
	// two bias blocks in one model never share an initializer.
	name := f.model.CreateNodeName("RelativePositionBias", "RPB")
	biasTable := onnx.NewFloatTensor(name+"_bias_table_weight",
		[]int64{tableWeight.Dims[1], tableWeight.Dims[0]}, values)
	f.stageInitializer(biasTable)

	fused := onnx.NewNode(
		"RelativePositionBias",
		name,
		[]string{biasTable.Name, rangeNode.Inputs[1], rangeNode.Inputs[1]},
		[]string{node.Outputs[0]},
		onnx.IntAttr("max_distance", f.MaxDistance),
		onnx.IntAttr("is_bidirectional", f.IsBidirectional),
	)
	fused.Domain = onnx.MSDomain

	f.stage([]*onnx.NodeProto{fused}, removed)
	f.prune = true
	return nil
}
