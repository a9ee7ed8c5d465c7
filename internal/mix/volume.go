// Package mix keeps per-stream playback gain on the listening side.
package mix

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/domain"
)

const (
	DefaultVolume = 100
	MaxVolume     = 100
)

// Key names a playback element: a participant stream or an externally
// injected stream.
type Key string

func UserKey(id domain.UserID) Key    { return Key("user-" + string(id)) }
func ExternalKey(streamID string) Key { return Key("external-" + streamID) }

// Parse splits a key into its kind ("user" or "external") and id.
func (k Key) Parse() (kind, id string, err error) {
	kind, id, ok := strings.Cut(string(k), "-")
	if !ok || id == "" || (kind != "user" && kind != "external") {
		return "", "", fmt.Errorf("bad volume key %q", k)
	}
	return kind, id, nil
}

// Player is a local playback element whose gain can be set.
type Player interface {
	SetVolume(gain float64)
}

// Resolver finds the player for a key. A nil player means nothing is
// currently playing that stream; the volume is still remembered.
type Resolver func(Key) Player

type Controller struct {
	resolve Resolver

	mu       sync.Mutex
	volumes  map[Key]int
	previous map[Key]int
}

func NewController(resolve Resolver) *Controller {
	return &Controller{
		resolve:  resolve,
		volumes:  make(map[Key]int),
		previous: make(map[Key]int),
	}
}

func (c *Controller) GetVolume(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Controller) getLocked(key Key) int {
	if v, ok := c.volumes[key]; ok {
		return v
	}
	return DefaultVolume
}

// SetVolume clamps v to [0,100]. Any non-zero value becomes the one restored
// by the next unmute.
func (c *Controller) SetVolume(key Key, v int) int {
	v = clamp(v)
	c.mu.Lock()
	c.volumes[key] = v
	if v > 0 {
		c.previous[key] = v
	}
	c.mu.Unlock()

	c.apply(key, v)
	return v
}

// ToggleMute mutes an audible stream and unmutes a muted one, restoring the
// volume it had before muting.
func (c *Controller) ToggleMute(key Key) int {
	c.mu.Lock()
	cur := c.getLocked(key)
	next := 0
	if cur == 0 {
		next = DefaultVolume
		if prev, ok := c.previous[key]; ok {
			next = prev
		}
	} else {
		c.previous[key] = cur
	}
	c.volumes[key] = next
	c.mu.Unlock()

	c.apply(key, next)
	return next
}

func (c *Controller) Muted(key Key) bool {
	return c.GetVolume(key) == 0
}

// Volumes returns every explicitly set volume.
func (c *Controller) Volumes() map[Key]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Key]int, len(c.volumes))
	for k, v := range c.volumes {
		out[k] = v
	}
	return out
}

// Keys returns the explicitly set keys, sorted.
func (c *Controller) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.volumes))
	for k := range c.volumes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reapply pushes the stored volume to a player that just appeared.
func (c *Controller) Reapply(key Key) {
	c.apply(key, c.GetVolume(key))
}

func (c *Controller) apply(key Key, v int) {
	if c.resolve == nil {
		return
	}
	p := c.resolve(key)
	if p == nil {
		log.Debug().Str("module", "mix").Str("key", string(key)).Msg("no player for key")
		return
	}
	p.SetVolume(float64(v) / MaxVolume)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}
