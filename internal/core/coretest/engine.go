// Package coretest provides an in-memory media engine for room tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

var ErrInjected = errors.New("injected engine failure")

// Engine hands out fake transports and counts every open resource so tests
// can assert nothing leaked.
type Engine struct {
	// Failure switches, read at call time.
	FailSend    atomic.Bool
	FailRecv    atomic.Bool
	FailProduce atomic.Bool
	FailConsume atomic.Bool
	// Delay is applied to every engine call and honours ctx.
	Delay time.Duration

	seq atomic.Int64

	openTransports atomic.Int64
	openProducers  atomic.Int64
	openConsumers  atomic.Int64

	mu         sync.Mutex
	producers  map[string]*Producer
	transports []*Transport
}

func NewEngine() *Engine {
	return &Engine{producers: make(map[string]*Producer)}
}

func (e *Engine) OpenTransports() int64 { return e.openTransports.Load() }
func (e *Engine) OpenProducers() int64  { return e.openProducers.Load() }
func (e *Engine) OpenConsumers() int64  { return e.openConsumers.Load() }

// Transports returns every transport ever created, in creation order.
func (e *Engine) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Transport(nil), e.transports...)
}

func (e *Engine) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: []domain.RtpCodec{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, PayloadType: 111},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96},
	}}
}

func (e *Engine) wait(ctx context.Context) error {
	if e.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(e.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *Engine) CreateTransport(ctx context.Context, _ domain.ChannelID, userID domain.UserID, dir core.Direction) (core.Transport, error) {
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	if (dir == core.DirectionSend && e.FailSend.Load()) || (dir == core.DirectionRecv && e.FailRecv.Load()) {
		return nil, ErrInjected
	}
	t := &Transport{
		engine: e,
		id:     e.nextID("tr"),
		userID: userID,
		dir:    dir,
	}
	e.openTransports.Add(1)
	e.mu.Lock()
	e.transports = append(e.transports, t)
	e.mu.Unlock()
	return t, nil
}

type Transport struct {
	engine *Engine
	id     string
	userID domain.UserID
	dir    core.Direction

	mu       sync.Mutex
	closed   bool
	onClosed func()
	stats    core.StatsReport
}

func (t *Transport) ID() string                { return t.id }
func (t *Transport) Direction() core.Direction { return t.dir }
func (t *Transport) UserID() domain.UserID     { return t.userID }

func (t *Transport) Params() core.TransportParams {
	return core.TransportParams{ID: t.id, Direction: t.dir.String()}
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Negotiate(ctx context.Context, remote *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := t.engine.wait(ctx); err != nil {
		return nil, err
	}
	if remote == nil {
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + t.id}, nil
	}
	if remote.Type == webrtc.SDPTypeOffer {
		return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + t.id}, nil
	}
	return nil, nil
}

func (t *Transport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (t *Transport) OnICECandidate(func(webrtc.ICECandidateInit))  {}

func (t *Transport) Produce(ctx context.Context, kind domain.StreamKind, _ domain.MediaParameters) (core.Producer, error) {
	if err := t.engine.wait(ctx); err != nil {
		return nil, err
	}
	if t.engine.FailProduce.Load() {
		return nil, ErrInjected
	}
	p := &Producer{engine: t.engine, id: t.engine.nextID("pr"), kind: kind}
	t.engine.openProducers.Add(1)
	t.engine.mu.Lock()
	t.engine.producers[p.id] = p
	t.engine.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID string, _ domain.RtpCapabilities) (core.Consumer, error) {
	if err := t.engine.wait(ctx); err != nil {
		return nil, err
	}
	if t.engine.FailConsume.Load() {
		return nil, ErrInjected
	}
	t.engine.mu.Lock()
	p, ok := t.engine.producers[producerID]
	t.engine.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}
	c := &Consumer{engine: t.engine, id: t.engine.nextID("co"), producerID: producerID, kind: p.kind}
	t.engine.openConsumers.Add(1)
	return c, nil
}

// SetStats sets the cumulative counters GetStats reports.
func (t *Transport) SetStats(s core.StatsReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = s
}

func (t *Transport) GetStats(context.Context) (core.StatsReport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.TransportID = t.id
	s.Timestamp = time.Now()
	return s, nil
}

func (t *Transport) OnClosed(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClosed = fn
}

// Fail simulates the engine losing the transport.
func (t *Transport) Fail() { _ = t.Close() }

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fn := t.onClosed
	t.mu.Unlock()

	t.engine.openTransports.Add(-1)
	if fn != nil {
		fn()
	}
	return nil
}

type Producer struct {
	engine *Engine
	id     string
	kind   domain.StreamKind
	once   sync.Once
}

func (p *Producer) ID() string              { return p.id }
func (p *Producer) Kind() domain.StreamKind { return p.kind }

func (p *Producer) Close() error {
	p.once.Do(func() {
		p.engine.openProducers.Add(-1)
		p.engine.mu.Lock()
		delete(p.engine.producers, p.id)
		p.engine.mu.Unlock()
	})
	return nil
}

type Consumer struct {
	engine     *Engine
	id         string
	producerID string
	kind       domain.StreamKind
	once       sync.Once
}

func (c *Consumer) ID() string              { return c.id }
func (c *Consumer) ProducerID() string      { return c.producerID }
func (c *Consumer) Kind() domain.StreamKind { return c.kind }

func (c *Consumer) Parameters() domain.MediaParameters {
	return domain.MediaParameters{TrackID: c.id, StreamID: c.producerID}
}

func (c *Consumer) Close() error {
	c.once.Do(func() { c.engine.openConsumers.Add(-1) })
	return nil
}
