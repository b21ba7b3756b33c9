package tensor

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// ArenaStats is a snapshot of an arena's accounting
type ArenaStats struct {
	LiveTensors  int   `json:"liveTensors"`
	LiveBytes    int64 `json:"liveBytes"`
	PeakBytes    int64 `json:"peakBytes"`
	TotalAllocs  int64 `json:"totalAllocs"`
	TotalFrees   int64 `json:"totalFrees"`
	PageSize     int   `json:"pageSize"`
	LargestAlloc int64 `json:"largestAlloc"`
}

// Arena allocates tensors and tracks every one that has not yet been released.
// It is safe for concurrent use.
type Arena struct {
	lock   sync.Mutex
	nextID uint64
	live   map[uint64]*Tensor
	stats  ArenaStats
}

func NewArena() *Arena {
	return &Arena{
		live: map[uint64]*Tensor{},
	}
}

// New allocates a zero-filled tensor
func (a *Arena) New(shape Shape) (*Tensor, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("Invalid tensor shape %v", shape)
	}
	data, nbytes := pageAlignedFloats(shape.Size())
	t := &Tensor{
		shape: shape.Clone(),
		dtype: Float32,
		data:  data,
		bytes: nbytes,
		arena: a,
	}
	t.refs.Store(1)

	a.lock.Lock()
	a.nextID++
	t.id = a.nextID
	a.live[t.id] = t
	a.stats.LiveTensors++
	a.stats.LiveBytes += int64(nbytes)
	a.stats.PeakBytes = max(a.stats.PeakBytes, a.stats.LiveBytes)
	a.stats.LargestAlloc = max(a.stats.LargestAlloc, int64(nbytes))
	a.stats.TotalAllocs++
	a.lock.Unlock()
	return t, nil
}

// FromData allocates a tensor and copies samples into it.
// len(data) must equal shape.Size().
func (a *Arena) FromData(shape Shape, data []float32) (*Tensor, error) {
	if shape.Valid() && len(data) != shape.Size() {
		return nil, fmt.Errorf("Tensor shape %v needs %v samples, but %v were provided", shape, shape.Size(), len(data))
	}
	t, err := a.New(shape)
	if err != nil {
		return nil, err
	}
	copy(t.data, data)
	return t, nil
}

func (a *Arena) free(t *Tensor) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.live[t.id]; !ok {
		panic(fmt.Sprintf("tensor %v does not belong to this arena", t.id))
	}
	delete(a.live, t.id)
	a.stats.LiveTensors--
	a.stats.LiveBytes -= int64(t.bytes)
	a.stats.TotalFrees++
	t.data = nil
}

// Live returns the number of tensors that have not been released
func (a *Arena) Live() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.live)
}

func (a *Arena) LiveBytes() int64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.stats.LiveBytes
}

func (a *Arena) Stats() ArenaStats {
	a.lock.Lock()
	defer a.lock.Unlock()
	s := a.stats
	s.PageSize = PageSize()
	return s
}

// Describe lists the live tensors, oldest first. Useful when hunting leaks.
func (a *Arena) Describe() []string {
	a.lock.Lock()
	defer a.lock.Unlock()
	live := make([]*Tensor, 0, len(a.live))
	for _, t := range a.live {
		live = append(live, t)
	}
	slices.SortFunc(live, func(x, y *Tensor) int {
		return cmp.Compare(x.id, y.id)
	})
	desc := make([]string, len(live))
	for i, t := range live {
		desc[i] = fmt.Sprintf("%v %v %v", t.id, t.dtype, t.shape)
	}
	return desc
}
