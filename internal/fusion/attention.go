package fusion

import (
	"log/slog"

	"github.com/born-ml/onnxopt/internal/graph"
	"github.com/born-ml/onnxopt/internal/onnx"
)

// defaultMaskFilterValue is the additive-mask fill exporters emit for
// masked-out positions; anything else is carried onto the fused node.
const defaultMaskFilterValue = -10000

// AttentionMask tracks the 2D attention-mask tensors the fused nodes
// consume. Masks are shared across every attention layer of a model, so
// the tracker deduplicates by name and the raw mask is passed through
// (mask index format "none").
type AttentionMask struct {
	seen map[string]string
}

// NewAttentionMask builds an empty tracker.
func NewAttentionMask() *AttentionMask {
	return &AttentionMask{seen: make(map[string]string)}
}

// ProcessMask registers a mask tensor and returns the input name the fused
// node should consume.
func (m *AttentionMask) ProcessMask(name string) string {
	if cached, ok := m.seen[name]; ok {
		return cached
	}
	m.seen[name] = name
	return name
}

// Attention fuses a full self-attention subgraph anchored at the
// SkipLayerNormalization that consumes its output: the Q/K/V projection
// MatMuls, the scaled softmax chain, and the additive mask path collapse
// into one com.microsoft Attention node with packed QKV weights.
//
// Q and K weights must agree in shape; V may differ in output width
// (grouped/padded attention), in which case the packed widths are recorded
// in the qkv_hidden_sizes attribute. Packed tensors keep the storage
// precision of the source weights (fp32 stays fp32, fp16 stays fp16).
type Attention struct {
	fusion

	NumHeads   int64
	HiddenSize int64

	mask            *AttentionMask
	maskFilterValue float64
	hasMaskFilter   bool
}

// NewAttention builds the pass. hiddenSize 0 means "trust the weights".
func NewAttention(model *graph.Model, log *slog.Logger, numHeads, hiddenSize int64) *Attention {
	return &Attention{
		fusion:     newFusion(model, log, "Attention"),
		NumHeads:   numHeads,
		HiddenSize: hiddenSize,
		mask:       NewAttentionMask(),
	}
}

func (f *Attention) Name() string { return f.name }

func (f *Attention) Apply() error {
	return f.run([]string{"SkipLayerNormalization"}, f.fuse)
}

//nolint:gocognit,gocyclo,cyclop,funlen // one pattern walk per attention branch
func (f *Attention) fuse(start *onnx.NodeProto, consumers map[string][]*onnx.NodeProto, producers map[string]*onnx.NodeProto) error {
	qkvNodes, _ := f.model.MatchParentPath(start,
		[]string{"Add", "MatMul", "Reshape", "Transpose", "MatMul"}, nil, producers)
	if qkvNodes == nil {
		return nil
	}
	reshapeQKV := qkvNodes[2]
	transposeQKV := qkvNodes[3]
	matmulQKV := qkvNodes[4]

	// SkipLayerNormalization has two data inputs; the one that is not the
	// attention output is the root the Q/K/V projections hang off.
	var otherInputs []string
	for _, in := range start.Inputs {
		if _, produced := producers[in]; !produced {
			continue
		}
		if in == qkvNodes[0].Outputs[0] {
			continue
		}
		otherInputs = append(otherInputs, in)
	}
	if len(otherInputs) != 1 {
		return nil
	}
	rootInput := otherInputs[0]

	vNodes, _ := f.model.MatchParentPath(matmulQKV,
		[]string{"Transpose", "Reshape", "Add", "MatMul"}, nil, producers)
	if vNodes == nil {
		return nil
	}
	addV := vNodes[2]
	matmulV := vNodes[3]

	qkNodes, _ := f.model.MatchParentPath(matmulQKV,
		[]string{"Softmax", "Add", "Add", "Div", "MatMul"}, nil, producers)
	if qkNodes == nil {
		return nil
	}
	addQK := qkNodes[1]
	matmulQK := qkNodes[4]

	qNodes, _ := f.model.MatchParentPath(matmulQK,
		[]string{"Transpose", "Reshape", "Add", "MatMul"}, []int{0, 0, 0, 1}, producers)
	if qNodes == nil {
		return nil
	}
	addQ := qNodes[2]
	matmulQ := qNodes[3]

	kNodes, _ := f.model.MatchParentPath(matmulQK,
		[]string{"Transpose", "Reshape", "MatMul"}, []int{1, 0, 0}, producers)
	if kNodes == nil {
		return nil
	}
	matmulK := kNodes[2]

	// The relative-position-bias Mul feeding the scores Add.
	if extra, _ := f.model.MatchParentPath(addQK, []string{"Mul"}, nil, producers); extra == nil {
		return nil
	}

	maskNodes, _ := f.model.MatchParentPath(addQK,
		[]string{"Add", "Mul", "Sub", "Cast", "Unsqueeze", "Unsqueeze"}, nil, producers)
	if maskNodes == nil {
		return nil
	}
	if _, t := f.model.ConstantInput(maskNodes[0]); t != nil {
		if v, ok := onnx.ScalarValue(t); ok && v != defaultMaskFilterValue {
			f.maskFilterValue = v
			f.hasMaskFilter = true
		}
	}

	if matmulQ.Inputs[0] != rootInput {
		return nil
	}

	// Everything staged for removal must be internal to the attention
	// block; the projection chains and mask nodes shared with sibling
	// layers are left to reachability pruning instead.
	removed := []*onnx.NodeProto{reshapeQKV, transposeQKV, matmulQKV}
	removed = append(removed, qkNodes...)
	removed = append(removed, kNodes[:len(kNodes)-1]...)
	removed = append(removed, vNodes[:len(vNodes)-1]...)
	if f.claimed(removed) {
		f.log.Debug("fuse_attention: subgraph taken by an earlier match, skipping")
		return nil
	}
	if !f.model.IsSafeToFuse(removed, []string{reshapeQKV.Outputs[0]}, consumers) {
		f.log.Debug("fuse_attention: attention subgraph has external consumers, skipping")
		return nil
	}

	maskIndex := f.mask.ProcessMask(maskNodes[len(maskNodes)-1].Inputs[0])
	fused := f.createAttentionNode(
		maskIndex, matmulQ, matmulK, matmulV, addQ, addV,
		rootInput, reshapeQKV.Outputs[0], addQK.Inputs[1],
	)
	if fused == nil {
		return nil
	}

	f.stage([]*onnx.NodeProto{fused}, removed)
	f.prune = true
	return nil
}

// createAttentionNode packs the Q/K/V projection weights and biases into
// single initializers and emits the fused node. Returns nil when a
// precondition fails; nothing has been staged at that point.
//
//nolint:gocognit,gocyclo,cyclop,funlen // weight packing has many dimension preconditions
func (f *Attention) createAttentionNode(
	maskIndex string,
	matmulQ, matmulK, matmulV, addQ, addV *onnx.NodeProto,
	input, output, addQKInput string,
) *onnx.NodeProto {
	if f.NumHeads <= 0 {
		return nil
	}
	if f.HiddenSize > 0 && f.HiddenSize%f.NumHeads != 0 {
		f.log.Debug("input hidden size is not a multiple of the number of heads",
			"hidden_size", f.HiddenSize, "num_heads", f.NumHeads)
		return nil
	}

	qWeight := f.model.GetInitializer(matmulQ.Inputs[1])
	kWeight := f.model.GetInitializer(matmulK.Inputs[1])
	vWeight := f.model.GetInitializer(matmulV.Inputs[1])
	qBias := f.model.GetInitializer(addQ.Inputs[1])
	if qBias == nil {
		qBias = f.model.GetInitializer(addQ.Inputs[0])
	}
	vBias := f.model.GetInitializer(addV.Inputs[1])
	if vBias == nil {
		vBias = f.model.GetInitializer(addV.Inputs[0])
	}

	if qWeight == nil {
		f.log.Info("q projection weight is not an initializer; "+
			"export with constant folding enabled to unblock attention fusion",
			"input", matmulQ.Inputs[1])
		return nil
	}
	if kWeight == nil || vWeight == nil || qBias == nil || vBias == nil {
		return nil
	}

	// 2D projection weights only; 3D (pre-split-head) layouts do not occur
	// in the exports this pass targets.
	if len(qWeight.Dims) != 2 || len(kWeight.Dims) != 2 || len(vWeight.Dims) != 2 {
		return nil
	}
	if qWeight.Dims[0] != kWeight.Dims[0] || qWeight.Dims[1] != kWeight.Dims[1] {
		return nil
	}
	inSize := qWeight.Dims[0]
	if kWeight.Dims[0] != inSize || vWeight.Dims[0] != inSize {
		return nil
	}
	if f.HiddenSize > 0 && f.HiddenSize != inSize {
		f.log.Warn("input hidden size differs from the q/k/v weight dimension; "+
			"pass the correct hidden size or 0",
			"hidden_size", f.HiddenSize, "weight_in_size", inSize)
	}

	qOut := qWeight.Dims[1]
	kOut := kWeight.Dims[1]
	vOut := vWeight.Dims[1]
	isQKVDiffDims := vOut != qOut

	qw, err := onnx.Float32Values(qWeight)
	if err != nil {
		return nil
	}
	kw, err := onnx.Float32Values(kWeight)
	if err != nil {
		return nil
	}
	vw, err := onnx.Float32Values(vWeight)
	if err != nil {
		return nil
	}
	qkvWeight, err := onnx.InterleaveRows(qw, kw, vw, int(inSize), int(qOut), int(kOut), int(vOut))
	if err != nil {
		return nil
	}
	qkvWeightDim := qOut + kOut + vOut

	qb, err := onnx.Float32Values(qBias)
	if err != nil || int64(len(qb)) != qOut {
		return nil
	}
	vb, err := onnx.Float32Values(vBias)
	if err != nil || int64(len(vb)) != vOut {
		return nil
	}
	// The K projection carries no bias in this architecture; pack zeros so
	// the fused kernel's layout stays uniform.
	kb := make([]float32, len(qb))
	qkvBias := make([]float32, 0, len(qb)+len(kb)+len(vb))
	qkvBias = append(qkvBias, qb...)
	qkvBias = append(qkvBias, kb...)
	qkvBias = append(qkvBias, vb...)
	qkvBiasDim := qOut + qOut + vOut

	name := f.model.CreateNodeName("Attention", "")

	// Weights and biases are sometimes stored in fp16; the packed tensors
	// keep the source storage precision.
	weightTensor := onnx.NewFloatTensor(name+"_qkv_weight", []int64{inSize, qkvWeightDim}, qkvWeight)
	if qWeight.DataType == onnx.TensorProtoFloat16 {
		weightTensor = onnx.NewFloat16Tensor(name+"_qkv_weight", []int64{inSize, qkvWeightDim}, qkvWeight)
	}
	biasTensor := onnx.NewFloatTensor(name+"_qkv_bias", []int64{qkvBiasDim}, qkvBias)
	if qBias.DataType == onnx.TensorProtoFloat16 {
		biasTensor = onnx.NewFloat16Tensor(name+"_qkv_bias", []int64{qkvBiasDim}, qkvBias)
	}
	f.stageInitializer(weightTensor)
	f.stageInitializer(biasTensor)

	inputs := []string{input, weightTensor.Name, biasTensor.Name}
	if maskIndex != "" {
		inputs = append(inputs, maskIndex)
	} else {
		inputs = append(inputs, "")
	}
	if addQKInput != "" {
		inputs = append(inputs, "") // no past state
		inputs = append(inputs, addQKInput)
	}

	fused := onnx.NewNode("Attention", name, inputs, []string{output},
		onnx.IntAttr("num_heads", f.NumHeads))
	fused.Domain = onnx.MSDomain
	if isQKVDiffDims {
		fused.Attributes = append(fused.Attributes,
			onnx.IntsAttr("qkv_hidden_sizes", []int64{qOut, kOut, vOut}))
	}
	if f.hasMaskFilter {
		fused.Attributes = append(fused.Attributes,
			onnx.FloatAttr("mask_filter_value", float32(f.maskFilterValue)))
	}
	return fused
}
