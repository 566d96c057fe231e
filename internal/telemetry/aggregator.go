// Package telemetry records classified packets and derives reports from them.
package telemetry

import (
	"sync"

	"github.com/dbreno/netwarden/internal/core"
)

// Counters are running totals by direction. Lost is kept for compatibility
// with existing consumers and is never incremented.
type Counters struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
}

// Total is the number of directional packets seen.
func (c Counters) Total() uint64 {
	return c.Sent + c.Received
}

// Aggregator is an append-only packet log plus counters, safe for one
// producer and any number of snapshot readers.
//
// The log grows without bound for the life of the process.
type Aggregator struct {
	mu       sync.Mutex
	log      []core.PacketRecord
	counters Counters
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record appends entry and bumps the counter for its direction. The log and
// counters change together.
func (a *Aggregator) Record(entry core.PacketRecord) {
	a.mu.Lock()
	a.log = append(a.log, entry)
	switch entry.Direction {
	case core.DirectionSent:
		a.counters.Sent++
	case core.DirectionReceived:
		a.counters.Received++
	}
	a.mu.Unlock()
}

// Snapshot returns a copy of the log and the counters taken at the same
// instant.
func (a *Aggregator) Snapshot() ([]core.PacketRecord, Counters) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := make([]core.PacketRecord, len(a.log))
	copy(log, a.log)
	return log, a.counters
}

// Counters returns only the counters.
func (a *Aggregator) Counters() Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters
}

// Len returns the number of logged packets.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.log)
}

// Since returns a copy of the entries logged at or after position from,
// together with the log length at the time of the call.
func (a *Aggregator) Since(from int) ([]core.PacketRecord, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if from < 0 {
		from = 0
	}
	if from >= len(a.log) {
		return nil, len(a.log)
	}
	out := make([]core.PacketRecord, len(a.log)-from)
	copy(out, a.log[from:])
	return out, len(a.log)
}
