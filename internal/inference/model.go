package inference

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

var (
	// ErrArtifact is returned for malformed or mismatched model artifacts.
	ErrArtifact = errors.New("invalid model artifact")
	// ErrInputShape is returned when model inputs do not match the architecture.
	ErrInputShape = errors.New("model input has the wrong shape")
)

// Model turns a time-ordered sequence of normalized frames and one tabular
// feature vector into a prediction. Implementations must be safe for
// concurrent use.
type Model interface {
	Predict(frames []*raster.Band, tabular []float64) ([]float64, error)
	// InputSize is the side of the square frames the model expects.
	InputSize() int
	// TabularSize is the length of the tabular feature vector.
	TabularSize() int
}

// Architecture describes a HybridModel.
type Architecture struct {
	InputSize    int     `json:"inputSize"`
	Channels     []int   `json:"channels"`
	Embedding    int     `json:"embedding"`
	Hidden       int     `json:"hidden"`
	Head         int     `json:"head"`
	Tabular      int     `json:"tabular"`
	BatchNormEps float64 `json:"batchNormEps"`
}

// DefaultArchitecture is the production network: a 512x512 single-channel
// input, four convolution stages, a 512-wide embedding, a 64-unit LSTM and a
// 64-unit regression head over six tabular features.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputSize:    512,
		Channels:     []int{32, 64, 128, 256},
		Embedding:    512,
		Hidden:       64,
		Head:         64,
		Tabular:      6,
		BatchNormEps: 1e-5,
	}
}

// Validate checks that every size is positive and the input survives pooling.
func (a Architecture) Validate() error {
	if a.InputSize <= 0 || a.Embedding <= 0 || a.Hidden <= 0 || a.Head <= 0 || a.Tabular < 0 {
		return fmt.Errorf("%w: non-positive layer size in %+v", ErrArtifact, a)
	}
	if len(a.Channels) == 0 {
		return fmt.Errorf("%w: no convolution stages", ErrArtifact)
	}
	for _, c := range a.Channels {
		if c <= 0 {
			return fmt.Errorf("%w: non-positive channel count %d", ErrArtifact, c)
		}
	}
	if a.InputSize>>len(a.Channels) == 0 {
		return fmt.Errorf("%w: input %d too small for %d pooling stages", ErrArtifact, a.InputSize, len(a.Channels))
	}
	return nil
}

// FlatSize is the length of the flattened feature map after the last stage.
func (a Architecture) FlatSize() int {
	side := a.InputSize >> len(a.Channels)
	return a.Channels[len(a.Channels)-1] * side * side
}

type convStage struct {
	conv conv2d
	bn   batchNorm
}

// HybridModel is a convolutional feature extractor feeding an LSTM whose
// last hidden state is joined with tabular features and regressed to a
// scalar. Weights are read-only after loading.
type HybridModel struct {
	arch   Architecture
	stages []convStage
	embed  dense
	rnn    lstm
	head   dense
	out    dense
}

// NewHybridModel allocates a model with zero weights and identity batch norms.
func NewHybridModel(arch Architecture) (*HybridModel, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if arch.BatchNormEps == 0 {
		arch.BatchNormEps = 1e-5
	}
	m := &HybridModel{arch: arch}
	in := 1
	for _, c := range arch.Channels {
		m.stages = append(m.stages, convStage{conv: newConv2d(in, c), bn: newBatchNorm(c, arch.BatchNormEps)})
		in = c
	}
	m.embed = newDense(arch.FlatSize(), arch.Embedding)
	m.rnn = newLSTM(arch.Embedding, arch.Hidden)
	m.head = newDense(arch.Hidden+arch.Tabular, arch.Head)
	m.out = newDense(arch.Head, 1)
	return m, nil
}

// Architecture returns the model's layer sizes.
func (m *HybridModel) Architecture() Architecture { return m.arch }

// InputSize implements Model.
func (m *HybridModel) InputSize() int { return m.arch.InputSize }

// TabularSize implements Model.
func (m *HybridModel) TabularSize() int { return m.arch.Tabular }

// Predict runs every frame through the feature extractor, the embeddings
// through the LSTM, and the last hidden state plus tabular through the head.
// NaN pixels enter the network as zero.
func (m *HybridModel) Predict(frames []*raster.Band, tabular []float64) ([]float64, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: empty frame sequence", ErrInputShape)
	}
	if len(tabular) != m.arch.Tabular {
		return nil, fmt.Errorf("%w: %d tabular features, want %d", ErrInputShape, len(tabular), m.arch.Tabular)
	}
	seq := make([][]float64, 0, len(frames))
	for i, f := range frames {
		if f == nil || f.Rows != m.arch.InputSize || f.Cols != m.arch.InputSize || f.Validate() != nil {
			return nil, fmt.Errorf("%w: frame %d must be %dx%d", ErrInputShape, i, m.arch.InputSize, m.arch.InputSize)
		}
		seq = append(seq, m.extract(f))
	}

	h := m.rnn.forward(seq)
	x := make([]float64, 0, len(h)+len(tabular))
	x = append(x, h...)
	x = append(x, tabular...)
	x = m.head.forward(x)
	relu(x)
	return m.out.forward(x), nil
}

func (m *HybridModel) extract(f *raster.Band) []float64 {
	x := newTensor(1, f.Rows, f.Cols)
	for i, v := range f.Data {
		if !math.IsNaN(v) {
			x.data[i] = v
		}
	}
	for _, s := range m.stages {
		x = s.conv.forward(x)
		s.bn.forward(x)
		relu(x.data)
		x = maxPool2(x)
	}
	e := m.embed.forward(x.data)
	relu(e)
	return e
}

type param struct {
	name string
	m    **mat.Dense
}

// params lists every weight matrix in serialization order.
func (m *HybridModel) params() []param {
	var ps []param
	for i := range m.stages {
		s := &m.stages[i]
		p := fmt.Sprintf("cnn.%d.", i)
		ps = append(ps,
			param{p + "conv.weight", &s.conv.weight},
			param{p + "conv.bias", &s.conv.bias},
			param{p + "bn.weight", &s.bn.gamma},
			param{p + "bn.bias", &s.bn.beta},
			param{p + "bn.running_mean", &s.bn.mean},
			param{p + "bn.running_var", &s.bn.variance},
		)
	}
	return append(ps,
		param{"cnn.fc.weight", &m.embed.weight},
		param{"cnn.fc.bias", &m.embed.bias},
		param{"lstm.weight_ih", &m.rnn.wih},
		param{"lstm.weight_hh", &m.rnn.whh},
		param{"lstm.bias_ih", &m.rnn.bih},
		param{"lstm.bias_hh", &m.rnn.bhh},
		param{"head.fc1.weight", &m.head.weight},
		param{"head.fc1.bias", &m.head.bias},
		param{"head.fc2.weight", &m.out.weight},
		param{"head.fc2.bias", &m.out.bias},
	)
}

// WriteWeights streams every weight matrix in gonum binary form.
func (m *HybridModel) WriteWeights(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, p := range m.params() {
		if _, err := (*p.m).MarshalBinaryTo(bw); err != nil {
			return fmt.Errorf("write %s: %w", p.name, err)
		}
	}
	return bw.Flush()
}

// ReadWeights replaces every weight matrix from r. Each matrix must have the
// dimensions the architecture implies.
func (m *HybridModel) ReadWeights(r io.Reader) error {
	br := bufio.NewReader(r)
	for _, p := range m.params() {
		wantR, wantC := (*p.m).Dims()
		var d mat.Dense
		if _, err := d.UnmarshalBinaryFrom(br); err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrArtifact, p.name, err)
		}
		if gotR, gotC := d.Dims(); gotR != wantR || gotC != wantC {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrArtifact, p.name, gotR, gotC, wantR, wantC)
		}
		*p.m = &d
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after weights", ErrArtifact)
	}
	return nil
}

// Randomize fills weights with small uniform values from seed. Batch norm
// statistics keep their identity values.
func (m *HybridModel) Randomize(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range m.params() {
		if strings.Contains(p.name, ".bn.") {
			continue
		}
		r, c := (*p.m).Dims()
		limit := 1 / math.Sqrt(float64(c))
		if r == 1 {
			limit = 0.1
		}
		raw := (*p.m).RawMatrix().Data
		for i := range raw {
			raw[i] = (rng.Float64()*2 - 1) * limit
		}
	}
}
