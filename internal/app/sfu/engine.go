// Package sfu is the pion-backed media engine: one PeerConnection per
// transport, producers are relays and consumers are relayed local tracks.
package sfu

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
)

type Options struct {
	ICEServers []webrtc.ICEServer
	UDPPortMin uint16
	UDPPortMax uint16
	// AnnouncedIP replaces host candidate addresses, for servers behind 1:1 NAT.
	AnnouncedIP string
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Engine struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	relays *RelayManager
	caps   domain.RtpCapabilities
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(opts Options) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	s := webrtc.SettingEngine{}
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, errors.Wrap(err, "udp port range")
		}
	}
	if opts.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	cfg := DefaultWebRTCConfig()
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = opts.ICEServers
	}

	log.Info().
		Str("module", "sfu").
		Uint16("udp_min", opts.UDPPortMin).
		Uint16("udp_max", opts.UDPPortMax).
		Str("announced_ip", opts.AnnouncedIP).
		Int("ice_servers", len(cfg.ICEServers)).
		Msg("media engine ready")

	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		cfg:    cfg,
		relays: NewRelayManager(),
		caps:   defaultCapabilities(),
	}, nil
}

func defaultCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: []domain.RtpCodec{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1", PayloadType: 111},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PayloadType: 96},
		{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0", PayloadType: 98},
		{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", PayloadType: 102},
	}}
}

func (e *Engine) RtpCapabilities() domain.RtpCapabilities { return e.caps }

func (e *Engine) Relays() *RelayManager { return e.relays }

func (e *Engine) CreateTransport(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, dir core.Direction) (core.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}
	t := newTransport(e, pc, ulid.Make().String(), channelID, userID, dir)
	t.start()
	return t, nil
}

// codecFor picks the codec a relay advertises to its consumers.
func (e *Engine) codecFor(kind domain.StreamKind, c domain.RtpCodec) webrtc.RTPCodecCapability {
	if c.MimeType == "" {
		want := webrtc.MimeTypeVP8
		if kind == domain.StreamAudio {
			want = webrtc.MimeTypeOpus
		}
		for _, rc := range e.caps.Codecs {
			if rc.MimeType == want {
				c = rc
				break
			}
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}
