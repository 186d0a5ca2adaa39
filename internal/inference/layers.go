package inference

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// tensor is a channel-major C x H x W activation.
type tensor struct {
	c, h, w int
	data    []float64
}

func newTensor(c, h, w int) tensor {
	return tensor{c: c, h: h, w: w, data: make([]float64, c*h*w)}
}

// im2colCols bounds the scratch matrix of one convolution chunk.
const im2colCols = 8192

// conv2d is a 3x3, stride 1, padding 1 convolution. weight is
// out x (in*9) with each row laid out as [in][kh][kw].
type conv2d struct {
	in, out int
	weight  *mat.Dense
	bias    *mat.Dense
}

func newConv2d(in, out int) conv2d {
	return conv2d{
		in:     in,
		out:    out,
		weight: mat.NewDense(out, in*9, nil),
		bias:   mat.NewDense(1, out, nil),
	}
}

func (l conv2d) forward(x tensor) tensor {
	out := newTensor(l.out, x.h, x.w)
	k := l.in * 9
	plane := x.h * x.w
	bias := l.bias.RawRowView(0)

	rowsPer := max(1, im2colCols/x.w)
	buf := make([]float64, k*rowsPer*x.w)
	var prod mat.Dense

	for r0 := 0; r0 < x.h; r0 += rowsPer {
		r1 := min(r0+rowsPer, x.h)
		n := (r1 - r0) * x.w
		col := mat.NewDense(k, n, buf[:k*n])
		raw := col.RawMatrix().Data

		for ci := 0; ci < l.in; ci++ {
			src := x.data[ci*plane : (ci+1)*plane]
			for kh := 0; kh < 3; kh++ {
				for kw := 0; kw < 3; kw++ {
					base := (ci*9 + kh*3 + kw) * n
					for r := r0; r < r1; r++ {
						ir := r + kh - 1
						dst := raw[base+(r-r0)*x.w : base+(r-r0+1)*x.w]
						for c := range dst {
							ic := c + kw - 1
							if ir < 0 || ir >= x.h || ic < 0 || ic >= x.w {
								dst[c] = 0
								continue
							}
							dst[c] = src[ir*x.w+ic]
						}
					}
				}
			}
		}

		prod.Reset()
		prod.Mul(l.weight, col)
		for o := 0; o < l.out; o++ {
			dst := out.data[o*plane+r0*x.w : o*plane+r0*x.w+n]
			for j, v := range prod.RawRowView(o) {
				dst[j] = v + bias[o]
			}
		}
	}
	return out
}

// batchNorm applies inference-mode batch normalization with running stats.
type batchNorm struct {
	gamma, beta, mean, variance *mat.Dense
	eps                         float64
}

func newBatchNorm(c int, eps float64) batchNorm {
	ones := make([]float64, c)
	for i := range ones {
		ones[i] = 1
	}
	return batchNorm{
		gamma:    mat.NewDense(1, c, append([]float64(nil), ones...)),
		beta:     mat.NewDense(1, c, nil),
		mean:     mat.NewDense(1, c, nil),
		variance: mat.NewDense(1, c, ones),
		eps:      eps,
	}
}

func (l batchNorm) forward(x tensor) {
	gamma := l.gamma.RawRowView(0)
	beta := l.beta.RawRowView(0)
	mean := l.mean.RawRowView(0)
	variance := l.variance.RawRowView(0)
	plane := x.h * x.w
	for ci := 0; ci < x.c; ci++ {
		scale := gamma[ci] / math.Sqrt(variance[ci]+l.eps)
		shift := beta[ci] - mean[ci]*scale
		ch := x.data[ci*plane : (ci+1)*plane]
		for i, v := range ch {
			ch[i] = v*scale + shift
		}
	}
}

func relu(v []float64) {
	for i, x := range v {
		if x < 0 {
			v[i] = 0
		}
	}
}

// maxPool2 is a 2x2, stride 2 max pool; odd trailing rows and columns are dropped.
func maxPool2(x tensor) tensor {
	out := newTensor(x.c, x.h/2, x.w/2)
	for ci := 0; ci < x.c; ci++ {
		src := x.data[ci*x.h*x.w:]
		dst := out.data[ci*out.h*out.w:]
		for r := 0; r < out.h; r++ {
			for c := 0; c < out.w; c++ {
				i := 2*r*x.w + 2*c
				m := math.Max(math.Max(src[i], src[i+1]), math.Max(src[i+x.w], src[i+x.w+1]))
				dst[r*out.w+c] = m
			}
		}
	}
	return out
}

// dense is a fully connected layer: y = Wx + b.
type dense struct {
	weight *mat.Dense
	bias   *mat.Dense
}

func newDense(in, out int) dense {
	return dense{weight: mat.NewDense(out, in, nil), bias: mat.NewDense(1, out, nil)}
}

func (l dense) forward(x []float64) []float64 {
	out, _ := l.weight.Dims()
	var y mat.VecDense
	y.MulVec(l.weight, mat.NewVecDense(len(x), x))
	res := make([]float64, out)
	bias := l.bias.RawRowView(0)
	for i := range res {
		res[i] = y.AtVec(i) + bias[i]
	}
	return res
}

// lstm is a single-layer LSTM with gates stacked in input, forget, cell,
// output order.
type lstm struct {
	input, hidden int
	wih, whh      *mat.Dense
	bih, bhh      *mat.Dense
}

func newLSTM(input, hidden int) lstm {
	return lstm{
		input:  input,
		hidden: hidden,
		wih:    mat.NewDense(4*hidden, input, nil),
		whh:    mat.NewDense(4*hidden, hidden, nil),
		bih:    mat.NewDense(1, 4*hidden, nil),
		bhh:    mat.NewDense(1, 4*hidden, nil),
	}
}

// forward runs the sequence from a zero state and returns the last hidden state.
func (l lstm) forward(seq [][]float64) []float64 {
	hs := l.hidden
	h := make([]float64, hs)
	c := make([]float64, hs)
	bih := l.bih.RawRowView(0)
	bhh := l.bhh.RawRowView(0)

	var gx, gh mat.VecDense
	for _, x := range seq {
		gx.MulVec(l.wih, mat.NewVecDense(len(x), x))
		gh.MulVec(l.whh, mat.NewVecDense(hs, h))
		gate := func(k, j int) float64 {
			idx := k*hs + j
			return gx.AtVec(idx) + gh.AtVec(idx) + bih[idx] + bhh[idx]
		}
		next := make([]float64, hs)
		for j := 0; j < hs; j++ {
			i := sigmoid(gate(0, j))
			f := sigmoid(gate(1, j))
			g := math.Tanh(gate(2, j))
			o := sigmoid(gate(3, j))
			c[j] = f*c[j] + i*g
			next[j] = o * math.Tanh(c[j])
		}
		h = next
	}
	return h
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
