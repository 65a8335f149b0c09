// Package metrics accumulates scalar training metrics.
package metrics

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/FlavioCFOliveira/cbfocal/internal/loss"
)

// ErrInvalidArgument is returned for non-positive update weights. It is the
// loss package's sentinel, so one errors.Is check covers both.
var ErrInvalidArgument = loss.ErrInvalidArgument

// AverageMeter computes and stores the weighted running average and the
// current value. It is not safe for concurrent use.
type AverageMeter struct {
	value   float64
	sum     float64
	count   float64
	average float64
}

// NewAverageMeter returns a reset meter.
func NewAverageMeter() *AverageMeter {
	m := &AverageMeter{}
	m.Reset()
	return m
}

// Reset zeroes value, sum, count and average.
func (m *AverageMeter) Reset() {
	m.value = 0
	m.sum = 0
	m.count = 0
	m.average = 0
}

// Update records val with weight n, typically the batch size.
// n must be positive; on error the meter is left unchanged.
func (m *AverageMeter) Update(val, n float64) error {
	if math.IsNaN(n) || n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "update weight must be > 0 (got %v)", n)
	}
	m.value = val
	m.sum += val * n
	m.count += n
	m.average = m.sum / m.count
	return nil
}

// Add records val with weight 1.
func (m *AverageMeter) Add(val float64) {
	// weight 1 cannot fail
	_ = m.Update(val, 1)
}

// Value returns the last observed value.
func (m *AverageMeter) Value() float64 { return m.value }

// Sum returns the weighted sum of all values.
func (m *AverageMeter) Sum() float64 { return m.sum }

// Count returns the total weight.
func (m *AverageMeter) Count() float64 { return m.count }

// Average returns sum/count, or 0 before the first update.
func (m *AverageMeter) Average() float64 { return m.average }

func (m *AverageMeter) String() string {
	return fmt.Sprintf("%.4f (%.4f)", m.value, m.average)
}
