package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicerooms/internal/core"
)

type fakeSource struct {
	mu    sync.Mutex
	id    string
	stats core.StatsReport
	err   error
	calls int
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) GetStats(context.Context) (core.StatsReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats, f.err
}

func (f *fakeSource) set(sent, received uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.BytesSent = sent
	f.stats.BytesReceived = received
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestMonitor(interval time.Duration) *Monitor {
	return NewMonitor(interval, zerolog.Nop())
}

func TestDeltaAccumulation(t *testing.T) {
	m := newTestMonitor(time.Hour)
	cons := &fakeSource{id: "recv-1"}
	m.Start(nil, cons)
	defer m.Stop()

	m.Reset()
	cons.set(0, 1000)
	d, err := m.Sample(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1000, d.TotalBytesReceived)

	cons.set(0, 1500)
	d, err = m.Sample(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 500, d.BytesReceivedDelta)
	require.EqualValues(t, 1500, d.TotalBytesReceived)
}

func TestTotalsAreMonotonic(t *testing.T) {
	m := newTestMonitor(time.Hour)
	prod := &fakeSource{id: "send-1"}
	m.Start(prod, nil)
	defer m.Stop()
	m.Reset()

	var last uint64
	for _, v := range []uint64{10, 10, 400, 350, 900, 901} {
		prod.set(v, 0)
		d, err := m.Sample(context.Background())
		require.NoError(t, err)
		require.GreaterOrEqual(t, d.TotalBytesSent, last)
		last = d.TotalBytesSent
	}
	// 350 after 400 re-baselines; the 901 reading only adds 1 on top of 900
	require.EqualValues(t, 10+390+550+1, last)
}

func TestReplacedTransportRebaselines(t *testing.T) {
	m := newTestMonitor(time.Hour)
	first := &fakeSource{id: "recv-1"}
	first.set(0, 5000)
	m.Start(nil, first)
	require.EqualValues(t, 5000, m.Snapshot().TotalBytesReceived)

	second := &fakeSource{id: "recv-2"}
	second.set(0, 200)
	m.Start(nil, second)
	defer m.Stop()

	d := m.Snapshot()
	require.EqualValues(t, 200, d.BytesReceivedDelta)
	require.EqualValues(t, 5200, d.TotalBytesReceived)
	require.Equal(t, "recv-2", d.Consumer.TransportID)

	second.set(0, 260)
	d, err := m.Sample(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 60, d.BytesReceivedDelta)
}

func TestNoSourcesIsNoop(t *testing.T) {
	m := newTestMonitor(10 * time.Millisecond)
	m.Start(nil, nil)
	require.Zero(t, m.loops.Load())

	d, err := m.Sample(context.Background())
	require.NoError(t, err)
	require.False(t, d.IsMonitoring)
	require.Nil(t, d.Producer)
	require.Nil(t, d.Consumer)
	m.Stop()
}

func TestRestartDoesNotLeakTicker(t *testing.T) {
	m := newTestMonitor(5 * time.Millisecond)
	src := &fakeSource{id: "send-1"}
	for i := 0; i < 50; i++ {
		m.Start(src, nil)
		require.LessOrEqual(t, m.loops.Load(), int32(1))
	}
	require.True(t, m.Snapshot().IsMonitoring)
	m.Stop()
	m.Stop()
	require.Zero(t, m.loops.Load())
	require.False(t, m.Snapshot().IsMonitoring)

	calls := src.callCount()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, calls, src.callCount(), "ticker still running after stop")
}

func TestTickerSamples(t *testing.T) {
	m := newTestMonitor(5 * time.Millisecond)
	src := &fakeSource{id: "send-1"}
	src.set(64, 0)
	m.Start(src, nil)
	defer m.Stop()

	require.Eventually(t, func() bool { return src.callCount() >= 3 }, time.Second, time.Millisecond)
	require.EqualValues(t, 64, m.Snapshot().TotalBytesSent)
}

func TestFailedSourceKeepsBaseline(t *testing.T) {
	m := newTestMonitor(time.Hour)
	src := &fakeSource{id: "send-1"}
	m.Start(src, nil)
	defer m.Stop()
	m.Reset()

	src.set(100, 0)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	src.mu.Lock()
	src.err = errors.New("gone")
	src.mu.Unlock()
	_, err = m.Sample(context.Background())
	require.Error(t, err)

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set(150, 0)
	d, err := m.Sample(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 50, d.BytesSentDelta)
	require.EqualValues(t, 150, d.TotalBytesSent)
}

func TestResetClearsTotals(t *testing.T) {
	m := newTestMonitor(time.Hour)
	src := &fakeSource{id: "send-1"}
	m.Start(src, nil)
	defer m.Stop()

	src.set(100, 0)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)
	m.Print()

	m.Reset()
	d := m.Snapshot()
	require.Zero(t, d.TotalBytesSent)
	require.Nil(t, d.Producer)
	require.True(t, d.IsMonitoring)
}
