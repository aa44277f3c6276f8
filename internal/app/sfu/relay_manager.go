package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

type relayKey struct {
	stream domain.StreamID
	track  domain.TrackID
}

func keyOf(ref core.TrackRef) relayKey { return relayKey{stream: ref.Stream, track: ref.Track} }

// RelayManager owns one Relay per published track.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[relayKey]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[relayKey]*Relay),
	}
}

// StartRelay creates a Relay for ref and starts its loop. keyframe, if set,
// is called whenever a new subscriber needs a fresh picture.
func (m *RelayManager) StartRelay(ctx context.Context, ref core.TrackRef, src RTPSource, codec webrtc.RTPCodecCapability, keyframe func()) {
	logger := log.With().
		Str("module", "relay").
		Str("stream", string(ref.Stream)).
		Str("track", string(ref.Track)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(ref, src, codec, cancel)
	relay.keyframe = keyframe

	m.mu.Lock()
	if old, ok := m.relays[keyOf(ref)]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.markAllDelete()
		old.cancel()
	}
	m.relays[keyOf(ref)] = relay
	m.mu.Unlock()

	logger.Info().Str("codec", codec.MimeType).Msg("starting relay loop")

	go func() {
		relay.loop(relayCtx, &logger)
		m.mu.Lock()
		if m.relays[keyOf(ref)] == relay {
			delete(m.relays, keyOf(ref))
		}
		m.mu.Unlock()
	}()
}

// Subscribe attaches w to the relay of ref on behalf of dst. It reports false
// if the track is not being relayed.
func (m *RelayManager) Subscribe(ref core.TrackRef, dst domain.ParticipantID, w RTPWriter) bool {
	m.mu.RLock()
	relay, ok := m.relays[keyOf(ref)]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(dst, NewOutTrack(w))
	if relay.keyframe != nil {
		relay.keyframe()
	}
	return true
}

// Unsubscribe marks dst's copy of ref for deletion.
func (m *RelayManager) Unsubscribe(ref core.TrackRef, dst domain.ParticipantID) {
	m.mu.RLock()
	relay, ok := m.relays[keyOf(ref)]
	m.mu.RUnlock()
	if !ok {
		return
	}

	relay.mu.RLock()
	ot, ok := relay.outTracks[dst]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(ref core.TrackRef) {
	m.mu.Lock()
	relay, ok := m.relays[keyOf(ref)]
	if ok {
		delete(m.relays, keyOf(ref))
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	relay.cancel()
}

// StopAll stops every relay. Used on shutdown.
func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[relayKey]*Relay)
	m.mu.Unlock()
	for _, relay := range relays {
		relay.markAllDelete()
		relay.cancel()
	}
	log.Info().Str("module", "relay").Int("stopped", len(relays)).Msg("all relays stopped")
}

func (m *RelayManager) HasRelay(ref core.TrackRef) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[keyOf(ref)]
	return ok
}

// Codec returns the codec of the source track of ref.
func (m *RelayManager) Codec(ref core.TrackRef) (webrtc.RTPCodecCapability, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[keyOf(ref)]
	if !ok {
		return webrtc.RTPCodecCapability{}, false
	}
	return relay.Codec, true
}

// RequestKeyframe asks the publisher of ref for a fresh keyframe.
func (m *RelayManager) RequestKeyframe(ref core.TrackRef) {
	m.mu.RLock()
	relay, ok := m.relays[keyOf(ref)]
	m.mu.RUnlock()
	if ok && relay.keyframe != nil {
		relay.keyframe()
	}
}
