package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/config"
	"github.com/realtime-ai/realtime-chat/pkg/device"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

// runLive holds a voice conversation until Enter is pressed or ctx ends.
// Live audio is only available on the Gemini backend.
func runLive(ctx context.Context, cfg *config.Config) error {
	backend, err := newGemini(ctx, cfg)
	if err != nil {
		return err
	}

	devices, err := device.Open()
	if err != nil {
		return err
	}
	defer devices.Close()

	bus := events.NewEventBus()
	printNotifications(ctx, bus, events.EventNotification, events.EventLiveState, events.EventSpeaking)

	l := chatlog.NewLog()
	watchLog(ctx, l)

	liveCfg := live.DefaultConfig()
	liveCfg.Model = cfg.Models.Live
	session := live.New(liveCfg, live.Deps{
		Dialer:  backend.LiveDialer(),
		Devices: devices,
		Log:     l,
		Bus:     bus,
	})
	defer session.Stop()

	if err := session.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Listening. Press Enter to end the conversation.")

	enter := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(enter)
	}()

	select {
	case <-ctx.Done():
	case <-enter:
	}
	return nil
}
