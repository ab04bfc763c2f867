package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/realtime-ai/realtime-chat/pkg/config"
	"github.com/realtime-ai/realtime-chat/pkg/server"
	"github.com/realtime-ai/realtime-chat/pkg/signaling"
)

// runServe runs the signaling hub until ctx ends.
func runServe(ctx context.Context, cfg *config.Config) error {
	var store signaling.Channel
	switch cfg.Signaling.Store {
	case config.StoreRedis:
		redisCfg := signaling.DefaultRedisConfig()
		redisCfg.Addr = cfg.Signaling.RedisAddr
		rc, err := signaling.NewRedisChannel(ctx, redisCfg)
		if err != nil {
			return fmt.Errorf("open redis store: %w", err)
		}
		store = rc
	default:
		store = signaling.NewMemoryChannel()
	}
	defer store.Close()

	srvCfg := server.DefaultSignalingServerConfig()
	srvCfg.Addr = cfg.Signaling.Addr
	srvCfg.AuthToken = cfg.Signaling.Token

	hub := server.NewSignalingServer(srvCfg, store)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start signaling hub: %w", err)
	}
	log.Printf("signaling hub ready (store: %s)", cfg.Signaling.Store)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hub.Stop(shutdownCtx)
}

// runBroadcast posts or removes an announcement on the hub.
func runBroadcast(ctx context.Context, cfg *config.Config, args []string) error {
	fs := newFlagSet("broadcast")
	remove := fs.String("remove", "", "id of the broadcast to delete")
	author := fs.String("author", "admin", "author shown with the broadcast")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ch, err := dialSignaling(ctx, cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	if *remove != "" {
		if err := ch.RemoveBroadcast(ctx, *remove); err != nil {
			return fmt.Errorf("remove broadcast: %w", err)
		}
		log.Printf("broadcast %s removed", *remove)
		return nil
	}

	text := joinArgs(fs.Args())
	if text == "" {
		return fmt.Errorf("broadcast text is required")
	}
	id, err := ch.PushBroadcast(ctx, signaling.Broadcast{Text: text, Author: *author, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("push broadcast: %w", err)
	}
	log.Printf("broadcast %s posted", id)
	return nil
}
