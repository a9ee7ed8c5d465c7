package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
)

// envelope is the common header of every client request.
type envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type errorMessage struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type ackMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Op   string `json:"op"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			flush(c)
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// flush writes whatever is already queued, so a kick notice reaches the client
// before the socket closes.
func flush(c *WsSignalConn) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(sid, c)
		cancel()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "", core.ErrBadRequest)
		return
	}

	switch env.Type {
	case "join":
		ctl.handleJoin(ctx, sid, c, env, data)
	case "leave":
		ctl.handleLeave(ctx, sid, c, env)
	case "produce":
		ctl.handleProduce(ctx, sid, c, env, data)
	case "close_producer":
		ctl.handleCloseProducer(ctx, sid, c, env, data)
	case "consume":
		ctl.handleConsume(ctx, sid, c, env, data)
	case "close_consumer":
		ctl.handleCloseConsumer(ctx, sid, c, env, data)
	case "negotiate":
		ctl.handleNegotiate(ctx, sid, c, env, data)
	case "candidate":
		ctl.handleCandidate(ctx, sid, c, env, data)
	case "stats":
		ctl.handleStats(sid, c, env, data)
	case "ping":
		ctl.handlePing(c, env)
	case "rename":
		ctl.handleRename(sid, c, env, data)
	case "whoami":
		ctl.handleWhoAmI(sid, c, env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, env.ID, core.ErrBadRequest)
	}
}

// decode unmarshals a request payload, replying bad_request on failure.
func (ctl *SignalWSController) decode(c *WsSignalConn, env envelope, data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("type", env.Type).Msg("bad payload")
		ctl.sendError(c, env.ID, core.ErrBadRequest)
		return false
	}
	return true
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, id string, err error) {
	ctl.sendJSON(c, errorMessage{Type: "error", ID: id, Code: core.Code(err), Error: err.Error()})
}

func (ctl *SignalWSController) sendAck(c *WsSignalConn, env envelope) {
	ctl.sendJSON(c, ackMessage{Type: "ack", ID: env.ID, Op: env.Type})
}
