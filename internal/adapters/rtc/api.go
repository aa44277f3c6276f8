package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
)

const DefaultPLIInterval = 3 * time.Second

type Options struct {
	ICEServers []webrtc.ICEServer
	// PLIInterval is how often receivers ask publishers for a keyframe. Zero disables it.
	PLIInterval time.Duration
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

// NewAPI builds a pion API with the default codecs and interceptors plus a
// periodic PLI generator.
func NewAPI(pliInterval time.Duration) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	if pliInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
		if err != nil {
			return nil, fmt.Errorf("interval pli: %w", err)
		}
		registry.Add(pli)
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(registry)), nil
}

// Factory creates pion-backed relay links that share one RelayManager.
type Factory struct {
	ctx    context.Context
	api    *webrtc.API
	config webrtc.Configuration
	relays *sfu.RelayManager
}

func NewFactory(ctx context.Context, opts Options, relays *sfu.RelayManager) (*Factory, error) {
	api, err := NewAPI(opts.PLIInterval)
	if err != nil {
		return nil, err
	}
	config := DefaultWebRTCConfig()
	if len(opts.ICEServers) > 0 {
		config.ICEServers = opts.ICEServers
	}
	return &Factory{ctx: ctx, api: api, config: config, relays: relays}, nil
}

func (f *Factory) NewLink(pid domain.ParticipantID) (core.PeerLink, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newLink(f.ctx, pid, pc, f.relays), nil
}
