// Command call-agent is a headless call participant. It signs in to the call
// service, answers incoming calls and streams synthetic audio and video.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/client"
	"huddle-backend/internal/media"
	"huddle-backend/internal/peer"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/logger"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	userID, err := uuid.Parse(cfg.UserID)
	if err != nil {
		logger.Fatal("AGENT_USER_ID is not a valid uuid", zap.Error(err))
	}

	factory, err := peer.NewPionFactory(cfg.ICEServers)
	if err != nil {
		logger.Fatal("Failed to create WebRTC API", zap.Error(err))
	}
	factory.OnRemoteTrack(func(peerID uuid.UUID, track *webrtc.TrackRemote) {
		logger.Info("Receiving remote track",
			zap.String("peer_id", peerID.String()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})

	agent := client.New(client.Options{
		URL:        cfg.ServerURL,
		Token:      cfg.Token,
		UserID:     userID,
		AutoAccept: cfg.AutoAccept,
		Call:       cfg.Call,
		Factory:    factory.New,
		Devices:    media.NewSyntheticDevices(nil),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Dial(ctx); err != nil {
		logger.Fatal("Failed to dial call service", zap.Error(err))
	}
	defer agent.Close()

	logger.Info("Call agent ready",
		zap.String("user_id", userID.String()),
		zap.Bool("auto_accept", cfg.AutoAccept))

	if err := agent.Run(ctx); err != nil {
		logger.Error("Call agent stopped", zap.Error(err))
	}
}
