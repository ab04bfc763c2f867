package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
	"github.com/realtime-ai/realtime-chat/pkg/trace"
)

var memoryDirective = regexp.MustCompile(`\[\[memory:(.+?)\]\]`)

// executeTool runs call and returns the result to fold back into the turn.
// Tool failures are reported to the user and to the model; only a stop
// aborts the generation.
func (s *Session) executeTool(ctx context.Context, gen *generation, call ToolCall, imageAPI string) (ToolResult, error) {
	ctx, span := trace.InstrumentTool(ctx, call.Name)
	defer span.End()

	var (
		resp map[string]any
		err  error
	)
	switch call.Name {
	case tools.GenerateImages:
		resp, err = s.runImages(ctx, gen, argString(call.Args, "prompt"), pickImageAPI(imageAPI, argString(call.Args, "apiName")))
	case tools.FetchLyrics:
		resp, err = s.runLyrics(ctx, gen, argString(call.Args, "query"))
	case tools.GenerateVideo:
		resp, err = s.runVideo(ctx, gen, argString(call.Args, "prompt"))
	default:
		log.Printf("[Chat] model called unknown tool %q", call.Name)
		resp = failure(fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name))
	}
	if err != nil {
		return ToolResult{}, err
	}
	if ok, _ := resp["success"].(bool); !ok {
		trace.AddEvent(span, "tool.failed")
	}

	s.tracker.setTask(gen, TaskText)
	s.tracker.setLoading(gen, true)
	return ToolResult{ID: call.ID, Name: call.Name, Response: resp}, nil
}

func (s *Session) runImages(ctx context.Context, gen *generation, prompt, apiName string) (map[string]any, error) {
	s.tracker.setTask(gen, TaskImage)
	if s.images == nil {
		return failure(errors.New("image generation is not configured")), nil
	}

	placeholder, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindImagePending, chatlog.ImagePending{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	gen.setProvisional(func() { s.log.Delete(placeholder.ID) })

	images, genErr := s.images.Generate(ctx, prompt, apiName)
	if genErr == nil && len(images) == 0 {
		if err := gen.settle(func() error { return s.log.Delete(placeholder.ID) }); err != nil {
			return nil, err
		}
		log.Printf("[Chat] image generation for %q returned no images", prompt)
		return map[string]any{"success": true, "image_count": 0}, nil
	}
	if genErr != nil {
		if err := gen.settle(func() error { return s.log.Delete(placeholder.ID) }); err != nil {
			return nil, err
		}
		log.Printf("[Chat] image generation failed: %v", genErr)
		s.notify(events.LevelError, "Image generation failed: "+genErr.Error())
		return failure(genErr), nil
	}

	set := chatlog.ImageSet{Images: make([]chatlog.Image, 0, len(images))}
	for _, img := range images {
		set.Images = append(set.Images, chatlog.Image{
			BlobRef:   dataURI(img.MIMEType, img.Data),
			SourceURL: img.SourceURL,
			Provider:  img.Provider,
		})
	}
	kind := chatlog.KindImage
	if err := gen.settle(func() error {
		_, err := s.log.Update(placeholder.ID, chatlog.Patch{Kind: &kind, Content: set})
		return err
	}); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "image_count": len(images)}, nil
}

func (s *Session) runLyrics(ctx context.Context, gen *generation, query string) (map[string]any, error) {
	s.tracker.setTask(gen, TaskLyrics)
	if s.lyrics == nil {
		return failure(errors.New("lyrics lookup is not configured")), nil
	}

	lyrics, fetchErr := s.lyrics.Fetch(ctx, query)
	if fetchErr != nil {
		if gen.isStopped() {
			return nil, errStopped
		}
		msg := tools.UserMessage(fetchErr)
		log.Printf("[Chat] lyrics lookup for %q failed: %v", query, fetchErr)
		s.notify(events.LevelError, msg)
		return map[string]any{"success": false, "error": msg}, nil
	}

	if _, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindLyrics, chatlog.Lyrics{
		Title:  lyrics.Title,
		Artist: lyrics.Artist,
		Lyrics: lyrics.Lyrics,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "title": lyrics.Title, "artist": lyrics.Artist}, nil
}

func (s *Session) runVideo(ctx context.Context, gen *generation, prompt string) (map[string]any, error) {
	s.tracker.setTask(gen, TaskVideo)

	placeholder, err := gen.append(s.log, chatlog.SenderAssistant, chatlog.KindVideo, chatlog.Video{
		State:  chatlog.VideoLoading,
		Prompt: prompt,
	})
	if err != nil {
		return nil, err
	}
	gen.setProvisional(func() {
		s.log.Update(placeholder.ID, chatlog.Patch{Content: chatlog.Video{
			State:  chatlog.VideoError,
			Prompt: prompt,
			Error:  "Video generation was stopped.",
		}})
	})

	op, submitErr := s.backend.GenerateVideo(ctx, prompt)
	if submitErr != nil {
		if err := gen.settle(func() error {
			_, err := s.log.Update(placeholder.ID, chatlog.Patch{Content: chatlog.Video{
				State:  chatlog.VideoError,
				Prompt: prompt,
				Error:  submitErr.Error(),
			}})
			return err
		}); err != nil {
			return nil, err
		}
		log.Printf("[Chat] video submission failed: %v", submitErr)
		s.notify(events.LevelError, "Video generation failed: "+submitErr.Error())
		return failure(submitErr), nil
	}

	if err := gen.settle(func() error {
		if _, err := s.log.Update(placeholder.ID, chatlog.Patch{Content: chatlog.Video{
			State:         chatlog.VideoLoading,
			Prompt:        prompt,
			OperationName: op.Name,
		}}); err != nil {
			return err
		}
		s.videos.Start(placeholder.ID, op, prompt)
		return nil
	}); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Video generation started successfully."}, nil
}

// extractMemory strips memory directives from the finished reply and raises
// a confirmation for the first one.
func (s *Session) extractMemory(gen *generation, r *reply) error {
	text := r.text.String()
	m := memoryDirective.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	fact := strings.TrimSpace(m[1])
	cleaned := strings.TrimSpace(memoryDirective.ReplaceAllString(text, ""))
	if err := gen.update(s.log, r.messageID, chatlog.Patch{Content: chatlog.Text(cleaned)}); err != nil {
		return err
	}
	if fact == "" || s.user.IsGuest() || s.store == nil {
		return nil
	}
	s.tracker.setPendingMemory(gen, MemoryConfirmation{Fact: fact, MessageID: r.messageID})
	return nil
}

func failure(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

// pickImageAPI prefers the user's explicit choice over the model's.
func pickImageAPI(selected, requested string) string {
	if selected != "" && selected != tools.AllImageAPIs {
		return selected
	}
	if requested != "" {
		return requested
	}
	return tools.AllImageAPIs
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
