package notify

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbreno/netwarden/internal/core"
	"github.com/dbreno/netwarden/internal/telemetry"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func rec(offset time.Duration, verdict core.Verdict) core.PacketRecord {
	return core.PacketRecord{
		Timestamp: base.Add(offset),
		SrcIP:     "203.0.113.9",
		DstIP:     "192.168.0.5",
		HasIP:     true,
		Direction: core.DirectionReceived,
		Verdict:   verdict,
	}
}

func TestCheckBlockedPackets(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{})

	agg.Record(rec(0, core.VerdictAllowed))
	agg.Record(rec(time.Second, core.VerdictBlocked))

	alerts := n.Check(base.Add(2 * time.Second))
	require.Len(t, alerts, 1)
	assert.Equal(t, KindBlocked, alerts[0].Kind)
	assert.Equal(t, "blocked 203.0.113.9 -> 192.168.0.5", alerts[0].Message)
	assert.Equal(t, base.Add(time.Second), alerts[0].Time)
}

func TestCheckOnlyConsidersNewPackets(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{})

	agg.Record(rec(0, core.VerdictBlocked))
	require.Len(t, n.Check(base), 1)

	assert.Empty(t, n.Check(base.Add(time.Second)), "nothing new since the last check")

	agg.Record(rec(2*time.Second, core.VerdictBlocked))
	assert.Len(t, n.Check(base.Add(3*time.Second)), 1)
}

func TestCheckSpike(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{SpikeThreshold: 50, SpikeWindow: 10 * time.Second})

	// 51 packets in the first window, exactly 50 in the second.
	for i := 0; i < 51; i++ {
		agg.Record(rec(time.Duration(i)*100*time.Millisecond, core.VerdictAllowed))
	}
	for i := 0; i < 50; i++ {
		agg.Record(rec(10*time.Second+time.Duration(i)*100*time.Millisecond, core.VerdictAllowed))
	}

	alerts := n.Check(base.Add(time.Minute))
	require.Len(t, alerts, 1)
	assert.Equal(t, KindSpike, alerts[0].Kind)
	assert.Equal(t, 51, alerts[0].Count)
	assert.True(t, alerts[0].Time.Equal(base))
}

func TestAlertsRingKeepsNewest(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{MaxAlerts: 3})

	for i := 0; i < 5; i++ {
		r := rec(time.Duration(i)*time.Second, core.VerdictBlocked)
		r.SrcIP = fmt.Sprintf("198.51.100.%d", i)
		agg.Record(r)
	}
	n.Check(base.Add(time.Minute))

	got := n.Alerts(0)
	require.Len(t, got, 3)
	assert.Equal(t, "198.51.100.4", got[0].SrcIP)
	assert.Equal(t, "198.51.100.3", got[1].SrcIP)
	assert.Equal(t, "198.51.100.2", got[2].SrcIP)

	top := n.Alerts(2)
	require.Len(t, top, 2)
	assert.Equal(t, "198.51.100.4", top[0].SrcIP)
}

func TestAlertsBeforeRingFills(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{MaxAlerts: 10})
	assert.Empty(t, n.Alerts(5))

	agg.Record(rec(0, core.VerdictBlocked))
	n.Check(base)
	assert.Len(t, n.Alerts(5), 1)
}

func TestClear(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{})
	agg.Record(rec(0, core.VerdictBlocked))
	n.Check(base)

	n.Clear()
	assert.Empty(t, n.Alerts(0))
	assert.Empty(t, n.Check(base.Add(time.Second)))
}

func TestRateLimitedLoggingStillRetainsAlerts(t *testing.T) {
	agg := telemetry.NewAggregator()
	n := New(agg, Config{AlertsPerSecond: 1})

	for i := 0; i < 4; i++ {
		agg.Record(rec(time.Duration(i)*time.Millisecond, core.VerdictBlocked))
	}
	alerts := n.Check(base)
	assert.Len(t, alerts, 4)
	assert.Len(t, n.Alerts(0), 4)
	assert.Equal(t, 3, n.suppressed)
}
