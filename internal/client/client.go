// Package client is a signalling client for the voice server. It keeps the
// local set of consumed streams in sync with room events and owns the
// listener's volume controller.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	fuse "github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
	"github.com/dkeye/voicerooms/internal/mix"
	"github.com/dkeye/voicerooms/internal/signalbus"
	"github.com/dkeye/voicerooms/internal/stats"
)

const notificationBuffer = 128

var ErrClosed = errors.New("client closed")

// Error is a failure reply from the server.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Notification is a server push that is not a reply to a request.
type Notification struct {
	Type string
	Raw  json.RawMessage
}

type Options struct {
	// URL of the signalling endpoint, e.g. ws://localhost:8080/api/ws/signal.
	URL   string
	Token string
	// AutoConsume subscribes to every stream announced in the current room.
	AutoConsume bool
	Receiver    Receiver
	// RtpCapabilities sent with consume requests; empty accepts every codec.
	RtpCapabilities domain.RtpCapabilities
}

type Joined struct {
	Channel         domain.ChannelID       `json:"channelId"`
	SendTransport   core.TransportParams   `json:"sendTransport"`
	RecvTransport   core.TransportParams   `json:"recvTransport"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
	Snapshot        core.RoomSnapshot      `json:"snapshot"`
}

type WhoAmI struct {
	UserID   domain.UserID    `json:"userId"`
	Username string           `json:"username"`
	Channel  domain.ChannelID `json:"channelId,omitempty"`
}

type Client struct {
	opts   Options
	conn   *websocket.Conn
	logger zerolog.Logger

	wmu sync.Mutex
	seq atomic.Uint64

	pmu     sync.Mutex
	pending map[string]chan json.RawMessage

	// consumes are answered one at a time so recv offers stay ordered
	consumeMu sync.Mutex

	self    atomic.Value // domain.UserID
	streams *Streams
	Mix     *mix.Controller

	notifications chan Notification
	closed        fuse.Fuse
}

func Dial(ctx context.Context, opts Options) (*Client, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Cookie", "ct="+opts.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return nil, errors.Wrap(err, "dial signalling")
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		opts:          opts,
		conn:          conn,
		logger:        log.With().Str("module", "client").Logger(),
		pending:       make(map[string]chan json.RawMessage),
		streams:       NewStreams(),
		notifications: make(chan Notification, notificationBuffer),
		closed:        fuse.NewFuse(),
	}
	c.Mix = mix.NewController(c.resolvePlayer)
	go c.readLoop()

	who, err := c.WhoAmI(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.self.Store(who.UserID)
	return c, nil
}

func (c *Client) Self() domain.UserID {
	id, _ := c.self.Load().(domain.UserID)
	return id
}

func (c *Client) Streams() *Streams { return c.streams }

// Notifications delivers server pushes. Pushes are dropped while the channel
// is full; it is closed when the connection ends.
func (c *Client) Notifications() <-chan Notification { return c.notifications }

func (c *Client) Done() <-chan struct{} { return c.closed.Watch() }

func (c *Client) Close() {
	c.closed.Break()
	_ = c.conn.Close()
	if c.opts.Receiver != nil {
		_ = c.opts.Receiver.Close()
	}
}

// Request sends one request and waits for the reply carrying the same id.
func (c *Client) Request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	msg := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &msg); err != nil {
			return nil, err
		}
	}
	id := strconv.FormatUint(c.seq.Add(1), 10)
	msg["type"] = typ
	msg["id"] = id

	ch := make(chan json.RawMessage, 1)
	c.pmu.Lock()
	c.pending[id] = ch
	c.pmu.Unlock()
	defer func() {
		c.pmu.Lock()
		delete(c.pending, id)
		c.pmu.Unlock()
	}()

	c.wmu.Lock()
	err := c.conn.WriteJSON(msg)
	c.wmu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	select {
	case raw := <-ch:
		var hdr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &hdr); err != nil {
			return nil, err
		}
		if hdr.Type == "error" {
			e := &Error{}
			if err := json.Unmarshal(raw, e); err != nil {
				return nil, err
			}
			return nil, e
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed.Watch():
		return nil, ErrClosed
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.closed.Break()
		close(c.notifications)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.IsBroken() {
				c.logger.Info().Err(err).Msg("connection ended")
			}
			return
		}
		var hdr struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(data, &hdr); err != nil {
			c.logger.Warn().Err(err).Msg("bad message")
			continue
		}
		if hdr.ID != "" {
			c.pmu.Lock()
			ch, ok := c.pending[hdr.ID]
			c.pmu.Unlock()
			if ok {
				ch <- data
				continue
			}
		}
		c.handlePush(hdr.Type, data)
	}
}

func (c *Client) handlePush(typ string, data []byte) {
	switch signalbus.EventType(typ) {
	case signalbus.EventNewProducer, signalbus.EventProducerClosed,
		signalbus.EventParticipantLeft, signalbus.EventRoomClosed:
		var ev signalbus.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn().Err(err).Str("type", typ).Msg("bad event")
			break
		}
		c.reconcile(ev)
	case "left", "kicked", "banned":
		c.streams.Enter("", c.Self())
	}
	if typ == "candidate" && c.opts.Receiver != nil {
		var p struct {
			Direction string                  `json:"direction"`
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}
		if err := json.Unmarshal(data, &p); err == nil && p.Direction == core.DirectionRecv.String() {
			if err := c.opts.Receiver.AddICECandidate(p.Candidate); err != nil {
				c.logger.Debug().Err(err).Msg("add ice candidate")
			}
		}
	}

	select {
	case c.notifications <- Notification{Type: typ, Raw: append(json.RawMessage(nil), data...)}:
	default:
	}
}

func (c *Client) reconcile(ev signalbus.Event) {
	act, refs := c.streams.Apply(ev)
	if act != ActNone {
		c.logger.Debug().Str("event", string(ev.Type)).Str("action", act.String()).Int("streams", len(refs)).Msg("reconcile")
	}
	if act == ActConsume && c.opts.AutoConsume {
		for _, ref := range refs {
			// replies arrive on this goroutine
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := c.Consume(ctx, ref.UserID, ref.Kind); err != nil {
					c.logger.Warn().Err(err).Str("stream", ref.String()).Msg("auto consume")
				}
			}()
		}
	}
}

// Join enters channel. With AutoConsume every stream in the snapshot is
// consumed before Join returns.
func (c *Client) Join(ctx context.Context, channel domain.ChannelID, name string) (*Joined, error) {
	// events may overtake the reply
	c.streams.Enter(channel, c.Self())
	raw, err := c.Request(ctx, "join", map[string]any{"channelId": channel, "name": name})
	if err != nil {
		c.streams.Enter("", c.Self())
		return nil, err
	}
	j := &Joined{}
	if err := json.Unmarshal(raw, j); err != nil {
		return nil, err
	}

	if c.opts.AutoConsume {
		for _, p := range j.Snapshot.Participants {
			if p.UserID == c.Self() {
				continue
			}
			for _, kind := range p.Producers {
				if err := c.Consume(ctx, p.UserID, kind); err != nil {
					c.logger.Warn().Err(err).Str("user", string(p.UserID)).Str("kind", string(kind)).Msg("consume on join")
				}
			}
		}
	}
	return j, nil
}

func (c *Client) Leave(ctx context.Context) error {
	_, err := c.Request(ctx, "leave", nil)
	c.streams.Enter("", c.Self())
	return err
}

// Consume subscribes to a remote stream and completes the recv negotiation
// when a Receiver is configured.
func (c *Client) Consume(ctx context.Context, user domain.UserID, kind domain.StreamKind) error {
	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	ref := domain.RemoteStreamRef{UserID: user, Kind: kind}
	raw, err := c.Request(ctx, "consume", map[string]any{
		"remoteUserId":    user,
		"kind":            kind,
		"rtpCapabilities": c.opts.RtpCapabilities,
	})
	if err != nil {
		return err
	}
	var reply struct {
		Consumer core.ConsumerInfo          `json:"consumer"`
		Offer    *webrtc.SessionDescription `json:"offer"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return err
	}
	c.streams.Add(ref, reply.Consumer.ID)

	if reply.Offer != nil && c.opts.Receiver != nil {
		answer, err := c.opts.Receiver.Answer(ctx, *reply.Offer)
		if err != nil {
			return errors.Wrap(err, "answer recv offer")
		}
		if _, err := c.Request(ctx, "negotiate", map[string]any{
			"direction":   core.DirectionRecv.String(),
			"description": answer,
		}); err != nil {
			return err
		}
	}
	if kind == domain.StreamAudio {
		c.Mix.Reapply(mix.UserKey(user))
	}
	return nil
}

func (c *Client) CloseConsumer(ctx context.Context, user domain.UserID, kind domain.StreamKind) error {
	if _, err := c.Request(ctx, "close_consumer", map[string]any{"remoteUserId": user, "kind": kind}); err != nil {
		return err
	}
	c.streams.Remove(domain.RemoteStreamRef{UserID: user, Kind: kind})
	return nil
}

func (c *Client) Produce(ctx context.Context, kind domain.StreamKind, params domain.MediaParameters) (core.ProducerInfo, error) {
	raw, err := c.Request(ctx, "produce", map[string]any{"kind": kind, "parameters": params})
	if err != nil {
		return core.ProducerInfo{}, err
	}
	var reply struct {
		Producer core.ProducerInfo `json:"producer"`
	}
	err = json.Unmarshal(raw, &reply)
	return reply.Producer, err
}

func (c *Client) CloseProducer(ctx context.Context, kind domain.StreamKind) error {
	_, err := c.Request(ctx, "close_producer", map[string]any{"kind": kind})
	return err
}

func (c *Client) Stats(ctx context.Context, reset bool) (stats.Data, error) {
	raw, err := c.Request(ctx, "stats", map[string]any{"reset": reset})
	if err != nil {
		return stats.Data{}, err
	}
	var reply struct {
		Stats stats.Data `json:"stats"`
	}
	err = json.Unmarshal(raw, &reply)
	return reply.Stats, err
}

func (c *Client) WhoAmI(ctx context.Context) (WhoAmI, error) {
	raw, err := c.Request(ctx, "whoami", nil)
	if err != nil {
		return WhoAmI{}, err
	}
	var who WhoAmI
	err = json.Unmarshal(raw, &who)
	return who, err
}

func (c *Client) Rename(ctx context.Context, name string) error {
	_, err := c.Request(ctx, "rename", map[string]any{"name": name})
	return err
}

// Ping measures one signalling round trip.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.Request(ctx, "ping", nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// resolvePlayer maps a volume key to the sink of the matching audio track.
func (c *Client) resolvePlayer(key mix.Key) mix.Player {
	if c.opts.Receiver == nil {
		return nil
	}
	kind, id, err := key.Parse()
	if err != nil {
		return nil
	}
	switch kind {
	case "user":
		consumerID, ok := c.streams.Consumer(domain.RemoteStreamRef{UserID: domain.UserID(id), Kind: domain.StreamAudio})
		if !ok {
			return nil
		}
		return c.opts.Receiver.Player(consumerID)
	case "external":
		return c.opts.Receiver.Player(id)
	}
	return nil
}

func (n Notification) String() string {
	return fmt.Sprintf("%s %s", n.Type, string(n.Raw))
}
