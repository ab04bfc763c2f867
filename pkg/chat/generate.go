package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/store"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

const editedImageProvider = "Jiam Edit"

// ErrEmptyEdit is returned when an image edit yields neither text nor image.
var ErrEmptyEdit = errors.New("The AI did not return a valid response. It may not have understood the request.")

// Send appends the user's message and runs a generation for it. It returns
// once the generation has finished or been stopped. Failures inside the
// generation are also published as notifications.
func (s *Session) Send(ctx context.Context, req SendRequest) error {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && req.Image == nil && req.File == nil {
		return ErrEmptyPrompt
	}

	gen, err := s.tracker.start(ctx)
	if err != nil {
		return err
	}

	history := s.log.ContextMessages(s.cfg.ContextWindow)

	var appendErr error
	switch {
	case req.Image != nil:
		_, appendErr = gen.append(s.log, chatlog.SenderUser, chatlog.KindMultimodalUser, chatlog.MultimodalInput{
			ImageRef: dataURI(req.Image.MIMEType, req.Image.Data),
			MIMEType: req.Image.MIMEType,
			Text:     prompt,
		})
	case req.File != nil:
		_, appendErr = gen.append(s.log, chatlog.SenderUser, chatlog.KindFileUser, chatlog.FileInput{
			FileName: req.File.Name,
			MIMEType: req.File.MIMEType,
			Text:     prompt,
		})
	default:
		_, appendErr = gen.append(s.log, chatlog.SenderUser, chatlog.KindText, chatlog.Text(prompt))
	}
	if appendErr != nil {
		return s.finish(gen, appendErr)
	}

	return s.finish(gen, s.run(gen, prompt, history, req))
}

// Regenerate drops everything after the most recent user message and runs a
// generation for it again.
func (s *Session) Regenerate(ctx context.Context) error {
	if s.tracker.busy() {
		return ErrBusy
	}

	last, ok := s.log.LastUserMessage()
	if !ok {
		s.notify(events.LevelInfo, "No user prompt found to regenerate.")
		return ErrNoUserPrompt
	}
	if last.HasAttachment() {
		s.notify(events.LevelWarning, "Regenerating responses for file uploads is not yet supported.")
		return ErrRegenerateUnsupported
	}
	prompt := last.Text()
	if prompt == "" {
		s.notify(events.LevelError, "Could not find a valid prompt to regenerate.")
		return ErrEmptyPrompt
	}

	gen, err := s.tracker.start(ctx)
	if err != nil {
		return err
	}
	if err := gen.do(func() error { return s.log.TruncateAfter(last.ID) }); err != nil {
		return s.finish(gen, err)
	}

	// The log now ends with the user message, which run re-sends itself.
	history := s.log.ContextMessages(s.cfg.ContextWindow + 1)
	if n := len(history); n > 0 && history[n-1].ID == last.ID {
		history = history[:n-1]
	}
	return s.finish(gen, s.run(gen, prompt, history, SendRequest{Prompt: prompt}))
}

// finish clears the generation flags and reports err. A stopped generation
// ends quietly.
func (s *Session) finish(gen *generation, err error) error {
	switch {
	case err == nil:
		s.tracker.finish(gen, GenerationCompleted)
		return nil
	case errors.Is(err, errStopped) || gen.isStopped():
		s.tracker.finish(gen, GenerationCancelled)
		return nil
	default:
		log.Printf("[Chat] generation %d failed: %v", gen.id, err)
		s.notify(events.LevelError, tools.UserMessage(err))
		s.tracker.finish(gen, GenerationFailed)
		return err
	}
}

func (s *Session) run(gen *generation, prompt string, history []chatlog.Message, req SendRequest) error {
	ctx, span := trace.InstrumentGeneration(gen.ctx, s.backend.Name(), s.backend.Model(), gen.id)
	defer span.End()

	var err error
	if req.Image != nil {
		err = s.editImage(ctx, gen, prompt, req.Image)
	} else {
		err = s.chat(ctx, gen, prompt, history, req)
	}
	if err != nil && !errors.Is(err, errStopped) {
		trace.RecordError(span, err)
		log.Print(trace.LogWithTrace(ctx, fmt.Sprintf("[Chat] generation %d: %v", gen.id, err)))
	}
	return err
}

func (s *Session) editImage(ctx context.Context, gen *generation, prompt string, img *Attachment) error {
	s.tracker.setTask(gen, TaskImage)
	res, err := s.backend.EditImage(ctx, prompt, Inline{MIMEType: img.MIMEType, Data: img.Data})
	if err != nil {
		return fmt.Errorf("failed to edit the image: %w", err)
	}
	if res.Image == nil && res.Text == "" {
		return ErrEmptyEdit
	}
	if res.Image != nil {
		if _, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindImage, chatlog.ImageSet{Images: []chatlog.Image{{
			BlobRef:  dataURI(res.Image.MIMEType, res.Image.Data),
			Provider: editedImageProvider,
		}}}); err != nil {
			return err
		}
	}
	if res.Text != "" {
		if _, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindText, chatlog.Text(res.Text)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) chat(ctx context.Context, gen *generation, prompt string, history []chatlog.Message, req SendRequest) error {
	s.tracker.setTask(gen, TaskText)
	instruction, err := s.systemInstruction(ctx)
	if err != nil {
		return err
	}

	var parts []Part
	if req.File != nil {
		parts = append(parts, Part{Inline: &Inline{MIMEType: req.File.MIMEType, Data: req.File.Data}})
	}
	parts = append(parts, Part{Text: prompt})

	chatReq := ChatRequest{
		Turns:             append(historyTurns(history), Turn{Role: RoleUser, Parts: parts}),
		SystemInstruction: instruction,
		Tools:             tools.Declarations,
		WebGrounding:      true,
		Thinking:          s.thinkingEnabled(),
	}

	s.tracker.setStreaming(gen, true)
	return s.consume(ctx, gen, chatReq, req.ImageAPI)
}

// systemInstruction joins the persona with the user's memory bank.
func (s *Session) systemInstruction(ctx context.Context) (string, error) {
	persona := store.DefaultPersona
	memory := ""
	if s.store != nil {
		p, err := s.store.Persona(ctx)
		if err != nil {
			return "", fmt.Errorf("load persona: %w", err)
		}
		persona = p
		if !s.user.IsGuest() {
			if memory, err = s.store.Memory(ctx, s.user.Username); err != nil {
				return "", fmt.Errorf("load memory: %w", err)
			}
		}
	}
	return persona + "\n\n# MEMORY BANK\n" +
		"This is what you already know about the user. You MUST use this to inform and personalize your response:\n" +
		memory, nil
}

// reply accumulates one streamed assistant message.
type reply struct {
	text      strings.Builder
	messageID string
	citations []chatlog.Citation
}

func (r *reply) addCitations(cs []chatlog.Citation) bool {
	added := false
	for _, c := range cs {
		if c.URI == "" {
			continue
		}
		dup := false
		for _, have := range r.citations {
			if have.URI == c.URI {
				dup = true
				break
			}
		}
		if !dup {
			r.citations = append(r.citations, c)
			added = true
		}
	}
	return added
}

// consume reads the response stream into the log. The first tool call is
// executed and answered on a continuation stream that offers no tools; a
// tool call on the continuation is ignored.
func (s *Session) consume(ctx context.Context, gen *generation, req ChatRequest, imageAPI string) error {
	stream, err := s.backend.StreamChat(ctx, req)
	if err != nil {
		return fmt.Errorf("the AI is currently unresponsive: %w", err)
	}
	defer func() { stream.Close() }()

	continued := false
	r := &reply{}
	for {
		if gen.isStopped() {
			return errStopped
		}
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gen.isStopped() {
				return errStopped
			}
			return fmt.Errorf("read response stream: %w", err)
		}
		if gen.isStopped() {
			return errStopped
		}

		newCitations := r.addCitations(chunk.Citations)

		switch {
		case chunk.Text != "":
			r.text.WriteString(chunk.Text)
			if err := s.writeReply(gen, r); err != nil {
				return err
			}

		case len(chunk.ToolCalls) > 0:
			if continued {
				log.Printf("[Chat] ignoring tool call %q on continuation", chunk.ToolCalls[0].Name)
				continue
			}
			continued = true
			s.tracker.setLoading(gen, false)

			call := chunk.ToolCalls[0]
			result, err := s.executeTool(ctx, gen, call, imageAPI)
			if err != nil {
				return err
			}

			stream.Close()
			req.Turns = append(append([]Turn(nil), req.Turns...),
				Turn{Role: RoleModel, Parts: []Part{{ToolCall: &call}}},
				Turn{Role: RoleTool, Parts: []Part{{ToolResult: &result}}},
			)
			req.Tools = nil
			req.WebGrounding = false
			next, err := s.backend.StreamChat(ctx, req)
			if err != nil {
				if gen.isStopped() {
					return errStopped
				}
				return fmt.Errorf("the AI is currently unresponsive: %w", err)
			}
			stream = next
			r = &reply{}

		case newCitations && r.messageID != "":
			if err := gen.update(s.log, r.messageID, chatlog.Patch{Citations: r.citations}); err != nil {
				return err
			}
		}
	}

	if r.messageID == "" {
		return nil
	}
	return s.extractMemory(gen, r)
}

// writeReply creates the assistant message on first text and updates it after.
func (s *Session) writeReply(gen *generation, r *reply) error {
	text := chatlog.Text(r.text.String())
	var citations []chatlog.Citation
	if len(r.citations) > 0 {
		citations = r.citations
	}
	if r.messageID == "" {
		s.tracker.setLoading(gen, false)
		msg, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindText, text)
		if err != nil {
			return err
		}
		r.messageID = msg.ID
		if citations != nil {
			return gen.update(s.log, msg.ID, chatlog.Patch{Citations: citations})
		}
		return nil
	}
	return gen.update(s.log, r.messageID, chatlog.Patch{Content: text, Citations: citations})
}

func historyTurns(msgs []chatlog.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		role := RoleModel
		if m.Sender == chatlog.SenderUser {
			role = RoleUser
		}
		turns = append(turns, Turn{Role: role, Parts: []Part{{Text: m.Text()}}})
	}
	return turns
}

func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
