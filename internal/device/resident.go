package device

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Resident keeps one read-only copy of a host array per device.
// Copies are created on first use and never mutated afterwards.
type Resident struct {
	host   []float64
	copies sync.Map // device ID -> []float64
	group  singleflight.Group
}

// NewResident takes ownership of a private copy of host.
func NewResident(host []float64) *Resident {
	h := make([]float64, len(host))
	copy(h, host)
	return &Resident{host: h}
}

// Host returns the host copy. Callers must not modify it.
func (r *Resident) Host() []float64 {
	return r.host
}

// On returns the copy resident on dev, uploading it on first use.
// Concurrent first uses of the same device share a single upload.
func (r *Resident) On(dev Device) ([]float64, error) {
	id := dev.ID()
	if v, ok := r.copies.Load(id); ok {
		return v.([]float64), nil
	}
	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		if v, ok := r.copies.Load(id); ok {
			return v, nil
		}
		data, err := dev.Upload(r.host)
		if err != nil {
			return nil, err
		}
		r.copies.Store(id, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// Devices returns the IDs of devices holding a copy.
func (r *Resident) Devices() []string {
	var ids []string
	r.copies.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}
