package domain

// RtpCodec describes one codec a router or an endpoint supports.
type RtpCodec struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
}

// RtpCapabilities is the codec set a router offers or a consumer accepts.
type RtpCapabilities struct {
	Codecs []RtpCodec `json:"codecs"`
}

// Supports reports whether caps lists a codec with the given mime type.
// Empty caps accept everything.
func (c RtpCapabilities) Supports(mimeType string) bool {
	if len(c.Codecs) == 0 {
		return true
	}
	for _, codec := range c.Codecs {
		if codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

// MediaParameters is what a client hands over when it starts producing.
type MediaParameters struct {
	TrackID  string   `json:"trackId"`
	StreamID string   `json:"streamId,omitempty"`
	Codec    RtpCodec `json:"codec"`
}
