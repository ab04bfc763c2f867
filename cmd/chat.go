package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/realtime-ai/realtime-chat/pkg/chat"
	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/config"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/store"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

const chatHelp = `commands:
  /image <path> <prompt>   edit an image
  /file <path> <prompt>    ask about a file
  /api <name>              image service for generate_images (All, MagicStudio, ...)
  /stop                    stop the current response
  /regen                   regenerate the last response
  /remember, /forget       answer a memory confirmation
  /think                   toggle thinking mode
  /pin <id>, /archive <id>, /delete <id>
  /persona <text>|reset    change the assistant persona
  /new                     start a new chat
  /quit`

// runChat runs the interactive text chat.
func runChat(ctx context.Context, cfg *config.Config, args []string) error {
	fs := newFlagSet("chat")
	user := fs.String("user", chat.GuestName, "signed-in user name")
	broadcasts := fs.Bool("broadcasts", true, "show announcements from the signaling hub")
	if err := fs.Parse(args); err != nil {
		return err
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	st, err := store.OpenSQLite(cfg.DBPath, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	defer st.Close()

	apis := make([]tools.ImageAPI, 0, len(cfg.ImageAPIs))
	for _, a := range cfg.ImageAPIs {
		apis = append(apis, tools.ImageAPI{Name: a.Name, URL: a.URL})
	}

	bus := events.NewEventBus()
	session := chat.NewSession(chat.Config{
		Thinking:          cfg.Thinking,
		ContextWindow:     cfg.ContextWindow,
		VideoPollInterval: cfg.VideoPollInterval,
	}, chat.Identity{Username: *user}, chat.Deps{
		Backend: backend,
		Images:  tools.NewHTTPImageGenerator(tools.ImageConfig{APIs: apis}),
		Lyrics:  tools.NewHTTPLyricsFetcher(cfg.LyricsURL),
		Store:   st,
		Bus:     bus,
	})
	defer session.Close()

	printNotifications(ctx, bus, events.EventNotification, events.EventMemoryPending)
	watchLog(ctx, session.Log())

	if err := session.Load(ctx); err != nil {
		return err
	}

	if *broadcasts {
		if ch, err := dialSignaling(ctx, cfg); err != nil {
			log.Printf("announcements unavailable: %v", err)
		} else {
			defer ch.Close()
			if _, err := session.WatchBroadcasts(ctx, ch); err != nil {
				log.Printf("announcements unavailable: %v", err)
			}
		}
	}

	fmt.Printf("Chatting with %s (%s). Type /help for commands.\n", backend.Name(), backend.Model())
	r := &repl{session: session, store: st, imageAPI: tools.AllImageAPIs, thinking: cfg.Thinking}
	return r.run(ctx)
}

type repl struct {
	session  *chat.Session
	store    store.Store
	imageAPI string
	thinking bool
}

func (r *repl) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Print("\n> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
// Generations run in the background so /stop stays responsive.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, chat.SendRequest{Prompt: line, ImageAPI: r.imageAPI})
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/stop":
		r.session.Stop()
	case "/regen":
		go func() {
			if err := r.session.Regenerate(ctx); err != nil && !errors.Is(err, chat.ErrBusy) {
				log.Printf("regenerate: %v", err)
			}
		}()
	case "/remember":
		err = r.session.ConfirmMemory(ctx)
	case "/forget":
		r.session.RejectMemory()
	case "/think":
		r.thinking = !r.thinking
		r.session.SetThinking(r.thinking)
		fmt.Printf("thinking mode: %v\n", r.thinking)
	case "/api":
		if rest == "" {
			rest = tools.AllImageAPIs
		}
		r.imageAPI = rest
	case "/new":
		r.session.StartNewChat(ctx)
	case "/pin", "/archive", "/delete":
		err = r.edit(cmd, rest)
	case "/persona":
		err = r.persona(ctx, rest)
	case "/image", "/file":
		err = r.attach(ctx, cmd, rest)
	default:
		fmt.Println(chatHelp)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return false
}

func (r *repl) send(ctx context.Context, req chat.SendRequest) {
	go func() {
		if err := r.session.Send(ctx, req); errors.Is(err, chat.ErrBusy) || errors.Is(err, chat.ErrMemoryPending) {
			fmt.Printf("\n%v\n", err)
		}
	}()
}

func (r *repl) attach(ctx context.Context, cmd, rest string) error {
	path, prompt, _ := strings.Cut(rest, " ")
	if path == "" {
		return errors.New("a file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	att := &chat.Attachment{
		Name:     filepath.Base(path),
		MIMEType: http.DetectContentType(data),
		Data:     data,
	}
	req := chat.SendRequest{Prompt: strings.TrimSpace(prompt), ImageAPI: r.imageAPI}
	if cmd == "/image" {
		if !strings.HasPrefix(att.MIMEType, "image/") {
			return fmt.Errorf("%s is not an image (%s)", path, att.MIMEType)
		}
		req.Image = att
	} else {
		req.File = att
	}
	r.send(ctx, req)
	return nil
}

func (r *repl) edit(cmd, short string) error {
	id, err := r.resolve(short)
	if err != nil {
		return err
	}
	switch cmd {
	case "/pin":
		return r.session.TogglePin(id)
	case "/archive":
		return r.session.ToggleArchive(id)
	default:
		return r.session.DeleteMessage(id)
	}
}

// resolve maps the id suffix shown in the transcript to a message id.
func (r *repl) resolve(short string) (string, error) {
	if short == "" {
		return "", errors.New("a message id is required")
	}
	for _, m := range r.session.Log().Snapshot() {
		if strings.HasSuffix(m.ID, short) {
			return m.ID, nil
		}
	}
	return "", chatlog.ErrMessageNotFound
}

func (r *repl) persona(ctx context.Context, text string) error {
	switch text {
	case "":
		p, err := r.store.Persona(ctx)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	case "reset":
		return r.store.ResetPersona(ctx)
	default:
		return r.store.SetPersona(ctx, text)
	}
}
