// Package loss provides benchmarks for loss functions.
package loss

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// randomBatch returns n rows of c random logits and matching labels.
func randomBatch(n, c int) (*mat.Dense, []int) {
	data := make([]float64, n*c)
	for i := range data {
		data[i] = rand.NormFloat64() * 3
	}
	labels := make([]int, n)
	for i := range labels {
		labels[i] = rand.Intn(c)
	}
	return mat.NewDense(n, c, data), labels
}

func benchCounts(c int) []int {
	counts := make([]int, c)
	for i := range counts {
		counts[i] = 1 + i*i*7
	}
	return counts
}

// BenchmarkCBFocalCompute benchmarks the reduced forward pass.
func BenchmarkCBFocalCompute(b *testing.B) {
	l, err := NewCBFocalLoss(benchCounts(100))
	if err != nil {
		b.Fatal(err)
	}
	scores, labels := randomBatch(256, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = l.Compute(scores, labels)
	}
}

// BenchmarkCBFocalComputeStable benchmarks the fused log-softmax path.
func BenchmarkCBFocalComputeStable(b *testing.B) {
	l, err := NewCBFocalLoss(benchCounts(100), WithStableLogSoftmax(true))
	if err != nil {
		b.Fatal(err)
	}
	scores, labels := randomBatch(256, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = l.Compute(scores, labels)
	}
}

// BenchmarkCBFocalGradient benchmarks the analytic backward pass.
func BenchmarkCBFocalGradient(b *testing.B) {
	l, err := NewCBFocalLoss(benchCounts(100))
	if err != nil {
		b.Fatal(err)
	}
	scores, labels := randomBatch(256, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = l.Gradient(scores, labels)
	}
}

// BenchmarkCBFocalBackwardInPlace benchmarks the single-example gradient.
func BenchmarkCBFocalBackwardInPlace(b *testing.B) {
	l, err := NewCBFocalLoss(benchCounts(10))
	if err != nil {
		b.Fatal(err)
	}
	logits := make([]float64, 10)
	for i := range logits {
		logits[i] = rand.Float64()
	}
	target := make([]float64, 10)
	target[3] = 1
	grad := make([]float64, 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.BackwardInPlace(logits, target, grad)
	}
}
