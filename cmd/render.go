package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// logPrinter writes log changes to stdout. Streamed text is printed as it
// grows; other content is printed once per change.
type logPrinter struct {
	mu      sync.Mutex
	printed map[string]string
}

func watchLog(ctx context.Context, l *chatlog.Log) {
	p := &logPrinter{printed: make(map[string]string)}
	ch := make(chan chatlog.Change, 256)
	l.Subscribe(ch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-ch:
				p.print(c)
			}
		}
	}()
}

func (p *logPrinter) print(c chatlog.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Op {
	case chatlog.OpReset:
		p.printed = make(map[string]string)
		fmt.Println("--- conversation reset ---")
		return
	case chatlog.OpDelete:
		delete(p.printed, c.Message.ID)
		fmt.Printf("(deleted %s)\n", shortID(c.Message.ID))
		return
	}

	m := c.Message
	if m.Sender == chatlog.SenderUser && !m.Kind.IsLive() {
		return
	}
	if t, ok := m.Content.(chatlog.Text); ok {
		text := string(t)
		prev, seen := p.printed[m.ID]
		p.printed[m.ID] = text
		switch {
		case !seen:
			fmt.Printf("\n%s: %s", label(m), text)
		case strings.HasPrefix(text, prev):
			fmt.Print(text[len(prev):])
		case text != prev:
			fmt.Printf("\n%s: %s", label(m), text)
		}
		for _, cite := range m.Citations {
			if !strings.Contains(prev, cite.URI) {
				fmt.Printf("\n  source: %s (%s)", cite.Title, cite.URI)
			}
		}
		return
	}

	fmt.Printf("\n%s: %s\n", label(m), describe(m))
}

func label(m chatlog.Message) string {
	who := "Jiam"
	if m.Sender == chatlog.SenderUser {
		who = "You"
	}
	flags := ""
	if m.Pinned {
		flags += " pinned"
	}
	if m.Archived {
		flags += " archived"
	}
	return fmt.Sprintf("[%s %s%s] %s", shortID(m.ID), m.Kind, flags, who)
}

func describe(m chatlog.Message) string {
	switch c := m.Content.(type) {
	case chatlog.ImagePending:
		return fmt.Sprintf("generating images for %q...", c.Prompt)
	case chatlog.ImageSet:
		var b strings.Builder
		fmt.Fprintf(&b, "%d image(s)", len(c.Images))
		for _, img := range c.Images {
			fmt.Fprintf(&b, "\n  %s: %s", img.Provider, img.SourceURL)
		}
		return b.String()
	case chatlog.Lyrics:
		return fmt.Sprintf("%s by %s\n%s", c.Title, c.Artist, c.Lyrics)
	case chatlog.Video:
		switch c.State {
		case chatlog.VideoDone:
			return fmt.Sprintf("video ready: %s", c.DownloadURL)
		case chatlog.VideoError:
			return fmt.Sprintf("video failed: %s", c.Error)
		default:
			return fmt.Sprintf("rendering video for %q...", c.Prompt)
		}
	}
	return m.Text()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
