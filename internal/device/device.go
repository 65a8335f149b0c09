// Package device describes where per-class arrays live during loss evaluation.
package device

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Type represents the hardware device used for computation.
type Type int

const (
	CPU Type = iota
	GPU
)

func (t Type) String() string {
	switch t {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	}
	return fmt.Sprintf("device(%d)", int(t))
}

// Device manages the hardware resources for loss evaluation.
type Device interface {
	Type() Type
	// ID identifies a concrete device, e.g. "cpu" or "gpu:0".
	ID() string
	IsAvailable() bool
	// Upload returns a copy of src resident on the device.
	Upload(src []float64) ([]float64, error)
}

// CPUDevice handles computations on the host CPU.
type CPUDevice struct{}

func (d *CPUDevice) Type() Type        { return CPU }
func (d *CPUDevice) ID() string        { return "cpu" }
func (d *CPUDevice) IsAvailable() bool { return true }

// Upload copies src into a fresh host slice.
func (d *CPUDevice) Upload(src []float64) ([]float64, error) {
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst, nil
}

// GPUDevice is an accelerator slot. No accelerator backend is compiled in,
// so it reports itself unavailable and refuses uploads.
type GPUDevice struct {
	Index int
}

func (d *GPUDevice) Type() Type        { return GPU }
func (d *GPUDevice) ID() string        { return fmt.Sprintf("gpu:%d", d.Index) }
func (d *GPUDevice) IsAvailable() bool { return false }

func (d *GPUDevice) Upload(src []float64) ([]float64, error) {
	return nil, errors.Errorf("device %s: not available on %s/%s", d.ID(), runtime.GOOS, runtime.GOARCH)
}

// Default returns the best available device for the current platform.
func Default() Device {
	gpu := &GPUDevice{}
	if gpu.IsAvailable() {
		return gpu
	}
	return &CPUDevice{}
}
