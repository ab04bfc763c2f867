package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/realtime-ai/realtime-chat/pkg/chat"
	"github.com/realtime-ai/realtime-chat/pkg/config"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/gemini"
	"github.com/realtime-ai/realtime-chat/pkg/openaichat"
	"github.com/realtime-ai/realtime-chat/pkg/signaling"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

const usage = `usage: realtime-chat [-config file] <command> [args]

commands:
  serve                 run the signaling hub
  chat [-user name]     interactive text chat
  live                  voice conversation with the live model
  call -user me <peer>  place an audio call
  answer -user me       wait for calls and answer them
  broadcast <text>      post an announcement (-remove id to delete one)
`

func main() {
	godotenv.Load()

	configPath := flag.String("config", os.Getenv("CHAT_CONFIG"), "path to a YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Printf("failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := trace.Shutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracing: %v", err)
		}
	}()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "serve":
		err = runServe(ctx, cfg)
	case "chat":
		err = runChat(ctx, cfg, args)
	case "live":
		err = runLive(ctx, cfg)
	case "call":
		err = runCall(ctx, cfg, args, false)
	case "answer":
		err = runCall(ctx, cfg, args, true)
	case "broadcast":
		err = runBroadcast(ctx, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

// newBackend builds the configured text backend.
func newBackend(ctx context.Context, cfg *config.Config) (chat.Backend, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return openaichat.NewBackend(openaichat.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		})
	default:
		return newGemini(ctx, cfg)
	}
}

func newGemini(ctx context.Context, cfg *config.Config) (*gemini.Backend, error) {
	return gemini.NewBackend(ctx, gemini.Config{
		APIKey:     cfg.GoogleAPIKey,
		TextModel:  cfg.Models.Text,
		ImageModel: cfg.Models.Image,
		VideoModel: cfg.Models.Video,
		LiveModel:  cfg.Models.Live,
	})
}

// dialSignaling connects to the signaling hub.
func dialSignaling(ctx context.Context, cfg *config.Config) (*signaling.WSChannel, error) {
	wsCfg := signaling.DefaultWSConfig()
	wsCfg.URL = cfg.Signaling.URL
	wsCfg.AuthToken = cfg.Signaling.Token
	ch, err := signaling.DialWS(ctx, wsCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to signaling hub %s: %w", cfg.Signaling.URL, err)
	}
	return ch, nil
}

// printNotifications prints toasts and state changes until ctx ends.
func printNotifications(ctx context.Context, bus *events.EventBus, types ...events.EventType) {
	ch := make(chan events.Event, 64)
	for _, t := range types {
		bus.Subscribe(t, ch)
	}
	go func() {
		defer func() {
			for _, t := range types {
				bus.Unsubscribe(t, ch)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				switch p := evt.Payload.(type) {
				case events.Notification:
					fmt.Printf("\n[%s] %s\n", p.Level, p.Message)
				case events.MemoryPending:
					if p.Fact != "" {
						fmt.Printf("\nRemember %q? (/remember or /forget)\n", p.Fact)
					}
				case events.CallState:
					fmt.Printf("\n[call] %s %s\n", p.State, p.Peer)
				case events.LiveState:
					fmt.Printf("\n[live] %s\n", p.Phase)
				case events.Speaking:
					if p.Who != "none" {
						fmt.Printf("\n[live] %s speaking\n", p.Who)
					}
				}
			}
		}
	}()
}
