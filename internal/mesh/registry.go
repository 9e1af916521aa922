// Package mesh holds the device registry and the dispatcher that connects
// decoded mesh frames to state consumers and turns commands into frames.
package mesh

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	blecrypto "github.com/chaz8081/plejd-mqtt/internal/ble/crypto"
)

// Registry is the in-memory map of site devices and their cached state.
// All access is serialized by its mutex.
type Registry struct {
	mu        sync.RWMutex
	meshKey   [blecrypto.KeySize]byte
	devices   map[uint16]*Device
	addresses map[string]struct{}
}

// NewRegistry validates the mesh key and device ids and builds a registry.
func NewRegistry(meshKey []byte, devices []Device) (*Registry, error) {
	if len(meshKey) != blecrypto.KeySize {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidMeshKey, len(meshKey))
	}
	r := &Registry{
		devices:   make(map[uint16]*Device, len(devices)),
		addresses: make(map[string]struct{}),
	}
	copy(r.meshKey[:], meshKey)
	if err := r.Load(devices); err != nil {
		return nil, err
	}
	return r, nil
}

// MeshKey returns a copy of the site mesh key.
func (r *Registry) MeshKey() []byte {
	key := make([]byte, blecrypto.KeySize)
	copy(key, r.meshKey[:])
	return key
}

// Load merges site metadata into the registry. Known devices keep their
// cached state; devices absent from the list are kept.
func (r *Registry) Load(devices []Device) error {
	seen := make(map[uint16]struct{}, len(devices))
	for _, d := range devices {
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateID, d.ID)
		}
		seen[d.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		d.Address = normalizeAddress(d.Address)
		if cur, ok := r.devices[d.ID]; ok {
			d.State = cur.State
			d.UpdatedAt = cur.UpdatedAt
		}
		d.State = d.normalize(d.State)
		dev := d
		r.devices[d.ID] = &dev
	}

	// Rebuilt so an address moved off a device stops being accepted.
	clear(r.addresses)
	for _, d := range r.devices {
		if d.Address != "" {
			r.addresses[d.Address] = struct{}{}
		}
	}
	return nil
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id uint16) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns every device ordered by id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// KnowsAddress reports whether mac belongs to a site device. It lets the
// connection machine filter scan results.
func (r *Registry) KnowsAddress(mac string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.addresses[normalizeAddress(mac)]
	return ok
}

// Apply records a state observation for id. It returns the updated device
// and whether the cached state changed. Unknown ids are ignored.
func (r *Registry) Apply(id uint16, s State, at time.Time) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	s = d.normalize(s)
	changed := d.State != s || d.UpdatedAt.IsZero()
	d.State = s
	d.UpdatedAt = at
	return *d, changed
}

func normalizeAddress(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
