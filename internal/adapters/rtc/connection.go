package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

var errNotRelayed = errors.New("track is not relayed")

type trackKey struct {
	stream domain.StreamID
	track  domain.TrackID
}

func keyOf(ref core.TrackRef) trackKey { return trackKey{stream: ref.Stream, track: ref.Track} }

// WebRTCConnection is a relay link backed by a pion PeerConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	pid    domain.ParticipantID
	relays *sfu.RelayManager
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	senders   map[trackKey]*webrtc.RTPSender
	published []core.TrackRef

	onInbound   func(core.InboundStream)
	onCandidate func(webrtc.ICECandidateInit)
	onText      func(string)
	onClosed    func()
	closeOnce   sync.Once
}

func newLink(ctx context.Context, pid domain.ParticipantID, pc *webrtc.PeerConnection, relays *sfu.RelayManager) *WebRTCConnection {
	ctx, cancel := context.WithCancel(ctx)
	c := &WebRTCConnection{
		pc:      pc,
		pid:     pid,
		relays:  relays,
		logger:  log.With().Str("module", "webrtc").Str("participant", string(pid)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		senders: make(map[trackKey]*webrtc.RTPSender),
	}
	c.start()
	return c
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.handleTrack(track)
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString {
				return
			}
			c.mu.Lock()
			fn := c.onText
			c.mu.Unlock()
			if fn != nil {
				fn(string(msg.Data))
			}
		})
	})
}

// handleTrack starts relaying a published track and reports it.
func (c *WebRTCConnection) handleTrack(track *webrtc.TrackRemote) {
	ref := core.TrackRef{
		Stream: domain.StreamID(track.StreamID()),
		Track:  domain.TrackID(track.ID()),
		Kind:   track.Kind().String(),
	}
	c.logger.Info().
		Str("kind", ref.Kind).
		Str("track_id", string(ref.Track)).
		Str("stream_id", string(ref.Stream)).
		Msg("OnTrack received")

	ssrc := uint32(track.SSRC())
	var keyframe func()
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		keyframe = func() {
			if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				c.logger.Debug().Err(err).Msg("write PLI")
			}
		}
	}
	c.relays.StartRelay(c.ctx, ref, track, track.Codec().RTPCodecCapability, keyframe)

	c.mu.Lock()
	c.published = append(c.published, ref)
	fn := c.onInbound
	c.mu.Unlock()
	if fn != nil {
		fn(core.InboundStream{Stream: ref.Stream, Tracks: []core.TrackRef{ref}})
	}
}

func (c *WebRTCConnection) AddOutboundTrack(ref core.TrackRef) error {
	codec, ok := c.relays.Codec(ref)
	if !ok {
		return fmt.Errorf("%w: %s/%s", errNotRelayed, ref.Stream, ref.Track)
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(ref.Track), string(ref.Stream))
	if err != nil {
		return fmt.Errorf("new local track: %w", err)
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	c.mu.Lock()
	c.senders[keyOf(ref)] = sender
	c.mu.Unlock()

	c.relays.Subscribe(ref, c.pid, local)
	go c.readRTCP(sender, ref)
	return nil
}

// readRTCP drains the sender so interceptors keep working and passes
// keyframe requests on to the publisher.
func (c *WebRTCConnection) readRTCP(sender *webrtc.RTPSender, ref core.TrackRef) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.relays.RequestKeyframe(ref)
			}
		}
	}
}

func (c *WebRTCConnection) RemoveOutboundTrack(ref core.TrackRef) error {
	c.mu.Lock()
	sender, ok := c.senders[keyOf(ref)]
	delete(c.senders, keyOf(ref))
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.relays.Unsubscribe(ref, c.pid)
	if err := c.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	return nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) RollbackLocalOffer() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *WebRTCConnection) AddRemoteICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnInboundStream(fn func(core.InboundStream)) {
	c.mu.Lock()
	c.onInbound = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnText(fn func(string)) {
	c.mu.Lock()
	c.onText = fn
	c.mu.Unlock()
}

// OnClosed sets a callback fired once when the connection fails or closes.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) fireClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		fn := c.onClosed
		c.mu.Unlock()
		if fn != nil {
			// Close may be called by the owner of the callback.
			go fn()
		}
	})
}

// Close stops the relays of every track this link published and closes the
// peer connection.
func (c *WebRTCConnection) Close() error {
	c.cancel()
	c.mu.Lock()
	published := c.published
	c.published = nil
	c.mu.Unlock()
	for _, ref := range published {
		c.relays.StopRelay(ref)
	}

	err := c.pc.Close()
	if err != nil {
		c.logger.Error().Err(err).Msg("close error")
	} else {
		c.logger.Info().Msg("closed")
	}
	c.fireClosed()
	return err
}
