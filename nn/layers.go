// Package nn - minimal layer primitives for the density decoder and the
// class/point heads.
//
// Layers are plain parameter containers with a Forward method; there is no
// inheritance hierarchy. Inputs and outputs are Float32 dense tensors
// (NCHW for spatial layers). The convolution and affine forwards compile a
// small gorgonia expression graph per call and evaluate it on a tape
// machine; every Forward is a single deterministic pass over externally
// trained or freshly initialized parameters, nothing differentiates
// through them.
package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/crowd-ai/go-detr/tensors"
)

// Conv2d is a stride-1 2D convolution over NCHW tensors.
type Conv2d struct {
	// W holds the kernel as OutC×InC×K×K.
	W *tensor.Dense
	// B holds one bias per output channel.
	B []float32
	// Pad is the symmetric zero padding applied to both spatial axes.
	Pad int

	InC, OutC, K int
}

// NewConv2d returns a convolution with He-initialized weights and zero
// biases drawn from rng, so construction is reproducible for a fixed seed.
//
// Arguments:
//   - rng: Source of initialization noise.
//   - inC, outC: Input and output channel counts.
//   - k: Square kernel extent (1 or 3 in this module).
//   - pad: Symmetric zero padding.
func NewConv2d(rng *rand.Rand, inC, outC, k, pad int) *Conv2d {
	w := make([]float32, outC*inC*k*k)
	std := math.Sqrt(2 / float64(inC*k*k))
	for i := range w {
		w[i] = float32(rng.NormFloat64() * std)
	}
	return &Conv2d{
		W:    tensors.FromSlice(w, outC, inC, k, k),
		B:    make([]float32, outC),
		Pad:  pad,
		InC:  inC,
		OutC: outC,
		K:    k,
	}
}

// Forward applies the convolution to x (N×InC×H×W) and returns a
// N×OutC×H'×W' tensor with H' = H + 2*Pad - K + 1.
func (c *Conv2d) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	if err := tensors.EnsureShape("conv input", x, -1, c.InC, -1, -1); err != nil {
		return nil, err
	}
	s := x.Shape()
	if s[2]+2*c.Pad < c.K || s[3]+2*c.Pad < c.K {
		return nil, errors.Errorf("conv input %dx%d too small for kernel %d", s[2], s[3], c.K)
	}

	g := G.NewGraph()
	in := G.NewTensor(g, tensor.Float32, 4, G.WithShape(s...), G.WithName("input"))
	kernel := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(c.OutC, c.InC, c.K, c.K), G.WithName("kernel"), G.WithValue(c.W))
	conv, err := G.Conv2d(in, kernel, tensor.Shape{c.K, c.K}, []int{c.Pad, c.Pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "conv2d op")
	}
	bias := G.NewTensor(g, tensor.Float32, 4,
		G.WithShape(1, c.OutC, 1, 1), G.WithName("bias"),
		G.WithValue(tensors.FromSlice(c.B, 1, c.OutC, 1, 1)))
	out, err := G.BroadcastAdd(conv, bias, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "bias add")
	}

	if err := G.Let(in, x); err != nil {
		return nil, errors.Wrap(err, "binding conv input")
	}
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "conv forward")
	}
	return tensors.Clone(out.Value().(*tensor.Dense)), nil
}

// Block is a sequence of convolutions with a ReLU after each one, the
// moral equivalent of the conv+ReLU stacks the decoder is built from.
type Block struct {
	Convs []*Conv2d
}

// NewBlock chains 3x3 (pad 1) convolutions through the given channel
// widths: channels[0] -> channels[1] -> ... -> channels[len-1].
func NewBlock(rng *rand.Rand, channels ...int) *Block {
	return newBlock(rng, 3, 1, channels...)
}

// NewPointwiseBlock is NewBlock with 1x1 kernels and no padding.
func NewPointwiseBlock(rng *rand.Rand, channels ...int) *Block {
	return newBlock(rng, 1, 0, channels...)
}

func newBlock(rng *rand.Rand, k, pad int, channels ...int) *Block {
	convs := make([]*Conv2d, 0, len(channels)-1)
	for i := 0; i+1 < len(channels); i++ {
		convs = append(convs, NewConv2d(rng, channels[i], channels[i+1], k, pad))
	}
	return &Block{Convs: convs}
}

// Forward applies every convolution in order, rectifying after each.
func (b *Block) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for _, c := range b.Convs {
		x, err = c.Forward(x)
		if err != nil {
			return nil, err
		}
		reluInPlace(tensors.Floats(x))
	}
	return x, nil
}

// Linear is a dense affine layer y = Wx + b.
type Linear struct {
	// W holds the weights as Out×In.
	W *tensor.Dense
	// B holds one bias per output feature.
	B []float32

	In, Out int
}

// NewLinear returns a linear layer with uniform Kaiming initialization.
func NewLinear(rng *rand.Rand, in, out int) *Linear {
	w := make([]float32, out*in)
	bound := 1 / math.Sqrt(float64(in))
	for i := range w {
		w[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return &Linear{
		W:   tensors.FromSlice(w, out, in),
		B:   make([]float32, out),
		In:  in,
		Out: out,
	}
}

// Forward treats the last axis of x as the feature axis and maps it from
// In to Out, preserving all leading axes. The leading axes are flattened
// to rows for one matrix product against the transposed weights.
func (l *Linear) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	s := x.Shape()
	if len(s) < 1 || s[len(s)-1] != l.In {
		return nil, errors.Errorf("linear input: want trailing dimension %d, have shape %v", l.In, s)
	}
	rows := 1
	for _, d := range s[:len(s)-1] {
		rows *= d
	}

	g := G.NewGraph()
	in := G.NewMatrix(g, tensor.Float32, G.WithShape(rows, l.In), G.WithName("input"))
	w := G.NewMatrix(g, tensor.Float32, G.WithShape(l.Out, l.In), G.WithName("weights"), G.WithValue(l.W))
	wt, err := G.Transpose(w, 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "weight transpose")
	}
	mm, err := G.Mul(in, wt)
	if err != nil {
		return nil, errors.Wrap(err, "matmul")
	}
	bias := G.NewMatrix(g, tensor.Float32,
		G.WithShape(1, l.Out), G.WithName("bias"), G.WithValue(tensors.FromSlice(l.B, 1, l.Out)))
	out, err := G.BroadcastAdd(mm, bias, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "bias add")
	}

	if err := G.Let(in, tensors.FromSlice(tensors.Floats(x), rows, l.In)); err != nil {
		return nil, errors.Wrap(err, "binding linear input")
	}
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "linear forward")
	}

	outShape := append(append([]int{}, s[:len(s)-1]...), l.Out)
	result := append([]float32(nil), tensors.Floats(out.Value().(*tensor.Dense))...)
	return tensors.FromSlice(result, outShape...), nil
}

// MLP is a stack of linear layers with ReLU between them and a plain
// affine output, matching the point head's feed-forward network.
type MLP struct {
	Layers []*Linear
}

// NewMLP builds a numLayers-deep perceptron mapping in -> hidden -> ... ->
// out.
func NewMLP(rng *rand.Rand, in, hidden, out, numLayers int) *MLP {
	layers := make([]*Linear, 0, numLayers)
	prev := in
	for i := 0; i < numLayers-1; i++ {
		layers = append(layers, NewLinear(rng, prev, hidden))
		prev = hidden
	}
	layers = append(layers, NewLinear(rng, prev, out))
	return &MLP{Layers: layers}
}

// Forward applies the stack; the final layer is not rectified.
func (m *MLP) Forward(x *tensor.Dense) (*tensor.Dense, error) {
	var err error
	for i, l := range m.Layers {
		x, err = l.Forward(x)
		if err != nil {
			return nil, err
		}
		if i < len(m.Layers)-1 {
			reluInPlace(tensors.Floats(x))
		}
	}
	return x, nil
}

func reluInPlace(v []float32) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}
