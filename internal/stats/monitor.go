// Package stats samples transport counters on a fixed interval and keeps
// running byte totals across samples and transport replacements.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	fuse "github.com/frostbyte73/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

const DefaultInterval = time.Second

// Source is anything that reports cumulative transport counters.
// core.Transport satisfies it.
type Source interface {
	ID() string
	GetStats(ctx context.Context) (core.StatsReport, error)
}

type Data struct {
	Producer           *core.StatsReport `json:"producer"`
	Consumer           *core.StatsReport `json:"consumer"`
	TotalBytesSent     uint64            `json:"totalBytesSent"`
	TotalBytesReceived uint64            `json:"totalBytesReceived"`
	// Deltas added to the totals by the most recent sample.
	BytesSentDelta     uint64 `json:"bytesSentDelta"`
	BytesReceivedDelta uint64 `json:"bytesReceivedDelta"`
	IsMonitoring       bool   `json:"isMonitoring"`
}

type Monitor struct {
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	producer Source
	consumer Source
	prevProd *core.StatsReport
	prevCons *core.StatsReport
	data     Data
	stop     fuse.Fuse

	wg    sync.WaitGroup
	loops atomic.Int32
}

func NewMonitor(interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{interval: interval, logger: logger}
}

// NewMonitorWithDefaults uses the default interval and the global logger.
func NewMonitorWithDefaults() *Monitor {
	return NewMonitor(DefaultInterval, log.With().Str("module", "stats").Logger())
}

// Start (re)points the monitor at the given sources and takes the first
// sample right away. Any running ticker is stopped first. With no sources the
// monitor stays idle.
func (m *Monitor) Start(producer, consumer Source) {
	m.Stop()

	m.mu.Lock()
	m.producer = producer
	m.consumer = consumer
	if producer == nil && consumer == nil {
		m.mu.Unlock()
		return
	}
	stop := fuse.NewFuse()
	m.stop = stop
	m.data.IsMonitoring = true
	m.mu.Unlock()

	m.tick()
	m.wg.Add(1)
	m.loops.Add(1)
	go m.run(stop)
}

func (m *Monitor) run(stop fuse.Fuse) {
	defer m.wg.Done()
	defer m.loops.Add(-1)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop.Watch():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	if _, err := m.Sample(ctx); err != nil {
		m.logger.Debug().Err(err).Msg("collect transport stats")
	}
}

// Stop halts the ticker and waits for it to exit. Totals are kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	wasRunning := m.data.IsMonitoring
	m.data.IsMonitoring = false
	m.mu.Unlock()

	if stop != nil {
		stop.Break()
	}
	m.wg.Wait()
	if wasRunning {
		m.logger.Debug().Msg("stopped transport stats monitoring")
	}
}

// Reset clears totals and baselines. Sources and the ticker are untouched.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prevProd = nil
	m.prevCons = nil
	m.data = Data{IsMonitoring: m.stop != nil}
	m.logger.Debug().Msg("transport stats reset")
}

func (m *Monitor) Snapshot() Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// Sample collects one reading from each source and folds it into the totals.
// A source that fails to report keeps its previous baseline.
func (m *Monitor) Sample(ctx context.Context) (Data, error) {
	m.mu.Lock()
	producer, consumer := m.producer, m.consumer
	m.mu.Unlock()

	if producer == nil && consumer == nil {
		return m.Snapshot(), nil
	}

	var firstErr error
	read := func(src Source) *core.StatsReport {
		if src == nil {
			return nil
		}
		r, err := src.GetStats(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		if r.TransportID == "" {
			r.TransportID = src.ID()
		}
		return &r
	}
	prod := read(producer)
	cons := read(consumer)

	m.mu.Lock()
	defer m.mu.Unlock()

	sent := delta(m.prevProd, prod, func(r *core.StatsReport) uint64 { return r.BytesSent })
	recv := delta(m.prevCons, cons, func(r *core.StatsReport) uint64 { return r.BytesReceived })

	m.data.Producer = prod
	m.data.Consumer = cons
	m.data.TotalBytesSent += sent
	m.data.TotalBytesReceived += recv
	m.data.BytesSentDelta = sent
	m.data.BytesReceivedDelta = recv
	if prod != nil {
		m.prevProd = prod
	}
	if cons != nil {
		m.prevCons = cons
	}
	return m.data, firstErr
}

// delta is what cur adds on top of prev. A new transport starts counting from
// zero; a counter running backwards on the same transport adds nothing.
func delta(prev, cur *core.StatsReport, pick func(*core.StatsReport) uint64) uint64 {
	if cur == nil {
		return 0
	}
	if prev == nil || prev.TransportID != cur.TransportID {
		return pick(cur)
	}
	c, p := pick(cur), pick(prev)
	if c < p {
		return 0
	}
	return c - p
}

// Print writes the current stats to the log in human readable form.
func (m *Monitor) Print() {
	d := m.Snapshot()
	ev := m.logger.Info().
		Bool("monitoring", d.IsMonitoring).
		Str("total_sent", humanize.Bytes(d.TotalBytesSent)).
		Str("total_received", humanize.Bytes(d.TotalBytesReceived))
	if d.Producer != nil {
		ev = ev.
			Str("producer_transport", d.Producer.TransportID).
			Str("producer_packets", humanize.Comma(int64(d.Producer.PacketsSent))).
			Float64("producer_rtt_ms", d.Producer.RTT)
	}
	if d.Consumer != nil {
		ev = ev.
			Str("consumer_transport", d.Consumer.TransportID).
			Str("consumer_packets", humanize.Comma(int64(d.Consumer.PacketsReceived))).
			Int64("consumer_lost", d.Consumer.PacketsLost).
			Float64("consumer_jitter", d.Consumer.Jitter).
			Float64("consumer_rtt_ms", d.Consumer.RTT)
	}
	ev.Msg("current transport stats")
}
