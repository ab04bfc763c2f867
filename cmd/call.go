package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/realtime-ai/realtime-chat/pkg/call"
	"github.com/realtime-ai/realtime-chat/pkg/config"
	"github.com/realtime-ai/realtime-chat/pkg/device"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

// runCall places a call (answer=false) or waits for incoming calls.
// Enter answers an incoming call and hangs up a connected one.
func runCall(ctx context.Context, cfg *config.Config, args []string, answer bool) error {
	fs := newFlagSet("call")
	user := fs.String("user", "", "local identity, e.g. an email address")
	auto := fs.Bool("auto", false, "answer incoming calls without asking")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user is required")
	}
	target := joinArgs(fs.Args())
	if !answer && target == "" {
		return errors.New("the identity to call is required")
	}

	ch, err := dialSignaling(ctx, cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	devices, err := device.Open()
	if err != nil {
		return err
	}
	defer devices.Close()

	pionCfg := call.DefaultPionConfig()
	if len(cfg.STUNURLs) > 0 {
		pionCfg.ICEServers = cfg.STUNURLs
	}

	bus := events.NewEventBus()
	printNotifications(ctx, bus, events.EventNotification)
	states := make(chan events.Event, 16)
	bus.Subscribe(events.EventCallState, states)
	defer bus.Unsubscribe(events.EventCallState, states)

	speaker := &remotePlayer{devices: devices}
	defer speaker.stop()

	session, err := call.New(call.Config{Identity: *user}, call.Deps{
		Channel:       ch,
		Devices:       devices,
		Peers:         call.NewPionPeerFactory(pionCfg),
		Bus:           bus,
		OnRemoteTrack: speaker.play,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Listen(ctx); err != nil {
		return err
	}
	if answer {
		fmt.Printf("Waiting for calls to %s. Press Ctrl-C to quit.\n", *user)
	} else {
		if err := session.Initiate(ctx, target); err != nil {
			return err
		}
		fmt.Printf("Calling %s. Press Enter to hang up.\n", target)
	}

	lines := make(chan struct{})
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lines:
			switch session.State() {
			case call.StateIncoming:
				if err := session.Answer(ctx); err != nil {
					log.Printf("answer: %v", err)
				}
			case call.StateOutgoing, call.StateConnected:
				session.Hangup(ctx)
			}
		case evt := <-states:
			st, ok := evt.Payload.(events.CallState)
			if !ok {
				continue
			}
			switch st.State {
			case call.StateIncoming.String():
				if *auto {
					if err := session.Answer(ctx); err != nil {
						log.Printf("answer: %v", err)
					}
				} else {
					fmt.Printf("Incoming call from %s. Press Enter to answer.\n", st.Peer)
				}
			case call.StateConnected.String():
				fmt.Printf("Connected to %s. Press Enter to hang up.\n", st.Peer)
			case call.StateIdle.String():
				speaker.stop()
				if !answer {
					fmt.Println("Call ended.")
					return nil
				}
				fmt.Println("Call ended. Waiting for calls.")
			}
		}
	}
}

// remotePlayer plays the remote party of the current call.
type remotePlayer struct {
	devices *device.Devices

	mu       sync.Mutex
	playback live.Playback
}

func (p *remotePlayer) play(track call.RemoteTrack) {
	pb, err := p.devices.PlayRemote(track)
	if err != nil {
		log.Printf("play remote audio: %v", err)
		return
	}
	p.mu.Lock()
	prev := p.playback
	p.playback = pb
	p.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

func (p *remotePlayer) stop() {
	p.mu.Lock()
	pb := p.playback
	p.playback = nil
	p.mu.Unlock()
	if pb != nil {
		pb.Close()
	}
}
