package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Tracker owns one AverageMeter per metric name for a single run.
type Tracker struct {
	meters map[string]*AverageMeter
}

// NewTracker creates a tracker with meters for the given names.
func NewTracker(names ...string) *Tracker {
	t := &Tracker{meters: make(map[string]*AverageMeter, len(names))}
	for _, name := range names {
		t.meters[name] = NewAverageMeter()
	}
	return t
}

// Meter returns the meter for name, creating it on first use.
func (t *Tracker) Meter(name string) *AverageMeter {
	m, ok := t.meters[name]
	if !ok {
		m = NewAverageMeter()
		t.meters[name] = m
	}
	return m
}

// Update records val with weight n on the named meter.
func (t *Tracker) Update(name string, val, n float64) error {
	if err := t.Meter(name).Update(val, n); err != nil {
		return errors.Wrap(err, name)
	}
	return nil
}

// Reset resets every meter.
func (t *Tracker) Reset() {
	for _, m := range t.meters {
		m.Reset()
	}
}

// Average is a named running average.
type Average struct {
	Name  string
	Value float64
}

// Snapshot returns the current averages sorted by name.
func (t *Tracker) Snapshot() []Average {
	out := make([]Average, 0, len(t.meters))
	for name, m := range t.meters {
		out = append(out, Average{Name: name, Value: m.Average()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// String formats the snapshot as "name=avg" pairs.
func (t *Tracker) String() string {
	snap := t.Snapshot()
	parts := make([]string, len(snap))
	for i, a := range snap {
		parts[i] = fmt.Sprintf("%s=%.4f", a.Name, a.Value)
	}
	return strings.Join(parts, " ")
}
