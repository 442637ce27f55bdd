package types

import (
	"encoding/json"
	"sync/atomic"
)

// Stats carries the monotonic build counters. All adders are safe for
// concurrent use; counters are commutative across workers.
type Stats struct {
	inserted    atomic.Uint64
	outOfBounds atomic.Uint64
	fallThrough atomic.Uint64
	omitted     atomic.Uint64
	errored     atomic.Uint64
}

func (s *Stats) AddInserted(n uint64)    { s.inserted.Add(n) }
func (s *Stats) AddOutOfBounds(n uint64) { s.outOfBounds.Add(n) }
func (s *Stats) AddFallThrough(n uint64) { s.fallThrough.Add(n) }
func (s *Stats) AddOmitted(n uint64)     { s.omitted.Add(n) }
func (s *Stats) AddErrored(n uint64)     { s.errored.Add(n) }

func (s *Stats) Inserted() uint64    { return s.inserted.Load() }
func (s *Stats) OutOfBounds() uint64 { return s.outOfBounds.Load() }
func (s *Stats) FallThrough() uint64 { return s.fallThrough.Load() }
func (s *Stats) Omitted() uint64     { return s.omitted.Load() }
func (s *Stats) Errored() uint64     { return s.errored.Load() }

type statsJSON struct {
	Inserted    uint64 `json:"inserted"`
	OutOfBounds uint64 `json:"outOfBounds"`
	FallThrough uint64 `json:"fallThrough"`
	Omitted     uint64 `json:"omitted"`
	Errored     uint64 `json:"errored"`
}

func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Inserted:    s.Inserted(),
		OutOfBounds: s.OutOfBounds(),
		FallThrough: s.FallThrough(),
		Omitted:     s.Omitted(),
		Errored:     s.Errored(),
	})
}

func (s *Stats) UnmarshalJSON(data []byte) error {
	var sj statsJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return err
	}
	s.inserted.Store(sj.Inserted)
	s.outOfBounds.Store(sj.OutOfBounds)
	s.fallThrough.Store(sj.FallThrough)
	s.omitted.Store(sj.Omitted)
	s.errored.Store(sj.Errored)
	return nil
}
