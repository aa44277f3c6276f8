package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Huddle/internal/adapters/discovery"
	router "github.com/dkeye/Huddle/internal/adapters/http"
	"github.com/dkeye/Huddle/internal/adapters/rtc"
	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/app/sfu"
	"github.com/dkeye/Huddle/internal/config"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().String("mode", "release", "gin mode: debug, release or test")
	cmd.Flags().Bool("mdns.enabled", false, "announce the server over mDNS")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	} else {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	relays := sfu.NewRelayManager()
	links, err := rtc.NewFactory(ctx, rtc.Options{
		ICEServers:  cfg.WebRTC.PionICEServers(),
		PLIInterval: cfg.WebRTC.PLIInterval,
	}, relays)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	o := orch.New(app.NewRegistry(), app.NewRoomRegistry(cfg.Rooms.CloseOnCreatorLeave), links, app.SimplePolicy{}, cfg.NodeID)

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(cfg, r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("node", cfg.NodeID).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.MDNS.Enabled {
		g.Go(func() error {
			err := discovery.Announce(ctx, discovery.ServiceInfo{
				Name:   cfg.MDNS.Name,
				Type:   cfg.MDNS.Service,
				Domain: cfg.MDNS.Domain,
				Port:   cfg.Port,
				NodeID: cfg.NodeID,
				Path:   router.SignalPath,
			})
			if err != nil {
				// Discovery is optional; the server keeps running without it.
				log.Error().Err(err).Str("module", "discovery").Msg("mDNS announce failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		relays.StopAll()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
