package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

// RTPSource is the remote side of a published track, usually a
// *webrtc.TrackRemote.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Relay copies the packets of one published track to its subscribers.
type Relay struct {
	Ref   core.TrackRef
	Src   RTPSource
	Codec webrtc.RTPCodecCapability

	mu        sync.RWMutex
	outTracks map[domain.ParticipantID]*OutTrack

	keyframe func()
	cancel   context.CancelFunc
}

func NewRelay(ref core.TrackRef, src RTPSource, codec webrtc.RTPCodecCapability, cancel context.CancelFunc) *Relay {
	return &Relay{
		Ref:       ref,
		Src:       src,
		Codec:     codec,
		outTracks: make(map[domain.ParticipantID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outTracks)
	r.mu.RUnlock()

	var dirty []domain.ParticipantID
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(snapshot, dirty)
	}
}

// cleanupDeleted removes out tracks that are still the ones seen in snapshot,
// so a resubscribe that raced the write is kept.
func (r *Relay) cleanupDeleted(snapshot map[domain.ParticipantID]*OutTrack, dirty []domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dst := range dirty {
		if r.outTracks[dst] == snapshot[dst] {
			delete(r.outTracks, dst)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(dst domain.ParticipantID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.outTracks[dst]; ok {
		old.MarkDelete()
	}
	r.outTracks[dst] = ot
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ot := range r.outTracks {
		if ot.GetState() != TrackStateDelete {
			n++
		}
	}
	return n
}
