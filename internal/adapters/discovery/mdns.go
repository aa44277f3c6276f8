// Package discovery announces the signaling service on the local network.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/rs/zerolog/log"
)

type ServiceInfo struct {
	Name   string
	Type   string
	Domain string
	Port   int
	// NodeID and Path end up in the TXT record.
	NodeID string
	Path   string
}

func (s ServiceInfo) config() dnssd.Config {
	text := map[string]string{
		"desc": "Huddle signaling",
		"path": s.Path,
	}
	if s.NodeID != "" {
		text["node"] = s.NodeID
	}
	return dnssd.Config{
		Name:   s.Name,
		Type:   s.Type,
		Domain: s.Domain,
		Text:   text,
		Port:   s.Port,
	}
}

// Announce responds to mDNS queries for the service until ctx is done.
func Announce(ctx context.Context, info ServiceInfo) error {
	service, err := dnssd.NewService(info.config())
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("failed to create mDNS responder: %w", err)
	}

	if _, err = rp.Add(service); err != nil {
		return fmt.Errorf("failed to add mDNS service: %w", err)
	}

	log.Info().Str("module", "discovery").Str("name", info.Name).Str("type", info.Type).Int("port", info.Port).Msg("announcing")
	if err = rp.Respond(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to respond to mDNS service: %w", err)
	}

	log.Info().Str("module", "discovery").Msg("mDNS responder stopped")
	return nil
}
