package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-loop counters.
type Metrics struct {
	Received     atomic.Uint64
	Blocked      atomic.Uint64
	Allowed      atomic.Uint64
	SourceErrors atomic.Uint64
}
