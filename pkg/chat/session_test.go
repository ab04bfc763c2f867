package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/events"
	"github.com/realtime-ai/realtime-chat/pkg/store"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

type harness struct {
	session *Session
	backend *fakeBackend
	images  *fakeImages
	lyrics  *fakeLyrics
	store   *store.MemoryStore
	notes   chan events.Event
}

func newHarness(t *testing.T, user string) *harness {
	t.Helper()
	bus := events.NewEventBus()
	notes := make(chan events.Event, 64)
	bus.Subscribe(events.EventNotification, notes)

	h := &harness{
		backend: &fakeBackend{},
		images:  &fakeImages{},
		lyrics:  &fakeLyrics{},
		store:   store.NewMemoryStore(store.DefaultHistoryLimit),
		notes:   notes,
	}
	h.session = NewSession(Config{VideoPollInterval: 5 * time.Millisecond}, Identity{Username: user}, Deps{
		Backend: h.backend,
		Images:  h.images,
		Lyrics:  h.lyrics,
		Store:   h.store,
		Bus:     bus,
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) script(streams ...*fakeStream) {
	h.backend.streams = append(h.backend.streams, streams...)
}

func text(s string) *fakeStream {
	return &fakeStream{chunks: []Chunk{{Text: s}}}
}

func (h *harness) notifications() []events.Notification {
	var out []events.Notification
	for {
		select {
		case e := <-h.notes:
			out = append(out, e.Payload.(events.Notification))
		default:
			return out
		}
	}
}

func kinds(msgs []chatlog.Message) []chatlog.Kind {
	out := make([]chatlog.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestSendStreamsText(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(&fakeStream{chunks: []Chunk{
		{Text: "Hel", Citations: []chatlog.Citation{{URI: "https://a.example", Title: "A"}}},
		{Text: "lo", Citations: []chatlog.Citation{{URI: "https://a.example", Title: "A"}, {URI: "https://b.example"}}},
	}})

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "  hi  "}))

	msgs := h.session.Log().Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, chatlog.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, chatlog.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, "Hello", msgs[1].Text())
	assert.Len(t, msgs[1].Citations, 2)

	reqs := h.backend.requestsCopy()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].WebGrounding)
	assert.Len(t, reqs[0].Tools, len(tools.Declarations))
	assert.Contains(t, reqs[0].SystemInstruction, "# MEMORY BANK")
	require.Len(t, reqs[0].Turns, 1)
	assert.Equal(t, RoleUser, reqs[0].Turns[0].Role)

	st := h.session.State()
	assert.False(t, st.Loading)
	assert.False(t, st.Streaming)
	assert.Equal(t, TaskNone, st.Task)
}

func TestSendRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, GuestName)
	assert.ErrorIs(t, h.session.Send(context.Background(), SendRequest{Prompt: "   "}), ErrEmptyPrompt)
	assert.Zero(t, h.session.Log().Len())
}

func TestSendStreamFailureNotifies(t *testing.T) {
	h := newHarness(t, GuestName)

	err := h.session.Send(context.Background(), SendRequest{Prompt: "hi"})
	require.Error(t, err)

	notes := h.notifications()
	require.NotEmpty(t, notes)
	assert.Equal(t, events.LevelError, notes[0].Level)
	assert.False(t, h.session.State().Loading)
}

func TestHistoryExcludesNonTextKinds(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(text("first"), text("second"))

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "one"}))
	_, err := h.session.Log().Append(chatlog.SenderAssistant, chatlog.KindSystem, chatlog.Text("notice"))
	require.NoError(t, err)
	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "two"}))

	reqs := h.backend.requestsCopy()
	require.Len(t, reqs, 2)
	turns := reqs[1].Turns
	require.Len(t, turns, 3)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "one", turns[0].Parts[0].Text)
	assert.Equal(t, RoleModel, turns[1].Role)
	assert.Equal(t, "first", turns[1].Parts[0].Text)
	assert.Equal(t, "two", turns[2].Parts[0].Text)
}

func TestImageToolUsesOneContinuation(t *testing.T) {
	h := newHarness(t, GuestName)
	h.images.images = []tools.GeneratedImage{
		{Provider: "Flux", MIMEType: "image/png", Data: []byte("a"), SourceURL: "https://flux"},
		{Provider: "DALL-E", MIMEType: "image/png", Data: []byte("b")},
	}
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{
			ID: "c1", Name: tools.GenerateImages, Args: map[string]any{"prompt": "a red fox"},
		}}}}},
		&fakeStream{chunks: []Chunk{
			{ToolCalls: []ToolCall{{Name: tools.FetchLyrics, Args: map[string]any{"query": "x"}}}},
			{Text: "Here are your foxes."},
		}},
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "draw a red fox"}))

	msgs := h.session.Log().Snapshot()
	assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindImage, chatlog.KindText}, kinds(msgs))
	set := msgs[1].Content.(chatlog.ImageSet)
	require.Len(t, set.Images, 2)
	assert.Equal(t, "Flux", set.Images[0].Provider)
	assert.Equal(t, "data:image/png;base64,YQ==", set.Images[0].BlobRef)
	assert.Equal(t, "Here are your foxes.", msgs[2].Text())
	assert.Equal(t, tools.AllImageAPIs, h.images.api)

	reqs := h.backend.requestsCopy()
	require.Len(t, reqs, 2)
	cont := reqs[1]
	assert.Empty(t, cont.Tools)
	assert.False(t, cont.WebGrounding)
	last := cont.Turns[len(cont.Turns)-1]
	assert.Equal(t, RoleTool, last.Role)
	require.NotNil(t, last.Parts[0].ToolResult)
	assert.Equal(t, map[string]any{"success": true, "image_count": 2}, last.Parts[0].ToolResult.Response)
	assert.Equal(t, "c1", last.Parts[0].ToolResult.ID)
	assert.Equal(t, RoleModel, cont.Turns[len(cont.Turns)-2].Role)
}

func TestImageToolWithNoImagesRemovesPlaceholder(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{
			ID: "c1", Name: tools.GenerateImages, Args: map[string]any{"prompt": "nothing"},
		}}}}},
		text("No luck this time."),
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "draw nothing"}))

	msgs := h.session.Log().Snapshot()
	assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindText}, kinds(msgs))
	reqs := h.backend.requestsCopy()
	require.Len(t, reqs, 2)
	last := reqs[1].Turns[len(reqs[1].Turns)-1]
	require.NotNil(t, last.Parts[0].ToolResult)
	assert.Equal(t, map[string]any{"success": true, "image_count": 0}, last.Parts[0].ToolResult.Response)
	for _, n := range h.notifications() {
		assert.NotEqual(t, events.LevelError, n.Level)
	}
}

func TestImageToolHonorsSelectedAPI(t *testing.T) {
	h := newHarness(t, GuestName)
	h.images.images = []tools.GeneratedImage{{Provider: "Flux", MIMEType: "image/png", Data: []byte("a")}}
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{
			Name: tools.GenerateImages, Args: map[string]any{"prompt": "p", "apiName": "DALL-E"},
		}}}}},
		text("done"),
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "draw", ImageAPI: "Flux"}))
	assert.Equal(t, "Flux", h.images.api)
}

func TestImageToolFailureRemovesPlaceholder(t *testing.T) {
	h := newHarness(t, GuestName)
	h.images.err = tools.ErrAllImageProvidersFailed
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateImages, Args: map[string]any{"prompt": "p"}}}}}},
		text("Sorry, that did not work."),
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "draw"}))

	assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindText}, kinds(h.session.Log().Snapshot()))
	resp := h.backend.requestsCopy()[1].Turns
	result := resp[len(resp)-1].Parts[0].ToolResult
	assert.Equal(t, false, result.Response["success"])
	assert.NotEmpty(t, result.Response["error"])
	assert.NotEmpty(t, h.notifications())
}

func TestLyricsTool(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t, GuestName)
		h.lyrics.lyrics = tools.Lyrics{Title: "Song", Artist: "Band", Lyrics: "la la"}
		h.script(
			&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.FetchLyrics, Args: map[string]any{"query": "song"}}}}}},
			text("Enjoy!"),
		)

		require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "lyrics for song"}))

		msgs := h.session.Log().Snapshot()
		assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindLyrics, chatlog.KindText}, kinds(msgs))
		assert.Equal(t, chatlog.Lyrics{Title: "Song", Artist: "Band", Lyrics: "la la"}, msgs[1].Content)
		turns := h.backend.requestsCopy()[1].Turns
		assert.Equal(t, map[string]any{"success": true, "title": "Song", "artist": "Band"},
			turns[len(turns)-1].Parts[0].ToolResult.Response)
	})

	t.Run("not found", func(t *testing.T) {
		h := newHarness(t, GuestName)
		h.lyrics.err = tools.ErrNoLyricsMatch
		h.script(
			&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.FetchLyrics, Args: map[string]any{"query": "zzz"}}}}}},
			text("I could not find that one."),
		)

		require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "lyrics for zzz"}))

		assert.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindText}, kinds(h.session.Log().Snapshot()))
		notes := h.notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, "Sorry, I couldn't find any lyrics matching your query.", notes[0].Message)
		turns := h.backend.requestsCopy()[1].Turns
		assert.Equal(t, map[string]any{"success": false, "error": "Sorry, I couldn't find any lyrics matching your query."},
			turns[len(turns)-1].Parts[0].ToolResult.Response)
	})
}

func TestUnknownToolReportsFailure(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: "launch_rockets"}}}}},
		text("I can't do that."),
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "launch"}))

	turns := h.backend.requestsCopy()[1].Turns
	assert.Equal(t, false, turns[len(turns)-1].Parts[0].ToolResult.Response["success"])
}

func TestVideoToolLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		status VideoStatus
		want   chatlog.Video
	}{
		{
			name:   "done",
			status: VideoStatus{Done: true, VideoURI: "https://v/1", DownloadURL: "https://v/1&key=k"},
			want:   chatlog.Video{State: chatlog.VideoDone, Prompt: "a cat surfing", VideoURL: "https://v/1", DownloadURL: "https://v/1&key=k"},
		},
		{
			name:   "operation error",
			status: VideoStatus{Done: true, Error: "quota exceeded"},
			want:   chatlog.Video{State: chatlog.VideoError, Prompt: "a cat surfing", Error: "quota exceeded"},
		},
		{
			name:   "no uri",
			status: VideoStatus{Done: true},
			want:   chatlog.Video{State: chatlog.VideoError, Prompt: "a cat surfing", Error: "Video generation finished but no video URI was found."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, GuestName)
			h.backend.videoOp = VideoOperation{Name: "operations/1"}
			h.backend.poll = func(n int) (VideoStatus, error) {
				if n < 3 {
					return VideoStatus{}, nil
				}
				return tt.status, nil
			}
			h.script(
				&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateVideo, Args: map[string]any{"prompt": "a cat surfing"}}}}}},
				text("Your video is on its way."),
			)

			require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "make a video"}))

			msgs := h.session.Log().Snapshot()
			require.Equal(t, []chatlog.Kind{chatlog.KindText, chatlog.KindVideo, chatlog.KindText}, kinds(msgs))
			videoID := msgs[1].ID
			turns := h.backend.requestsCopy()[1].Turns
			assert.Equal(t, map[string]any{"success": true, "message": "Video generation started successfully."},
				turns[len(turns)-1].Parts[0].ToolResult.Response)

			assert.Eventually(t, func() bool {
				m, _ := h.session.Log().Get(videoID)
				return m.Content.(chatlog.Video).State != chatlog.VideoLoading
			}, 2*time.Second, 5*time.Millisecond)

			m, _ := h.session.Log().Get(videoID)
			assert.Equal(t, tt.want, m.Content)
			assert.Eventually(t, func() bool { return !h.session.videos.Active(videoID) }, time.Second, 5*time.Millisecond)
		})
	}
}

func TestVideoSubmitFailure(t *testing.T) {
	h := newHarness(t, GuestName)
	h.backend.videoErr = assert.AnError
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateVideo, Args: map[string]any{"prompt": "waves"}}}}}},
		text("That failed."),
	)

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "video of waves"}))

	msgs := h.session.Log().Snapshot()
	require.Len(t, msgs, 3)
	v := msgs[1].Content.(chatlog.Video)
	assert.Equal(t, chatlog.VideoError, v.State)
	assert.Equal(t, "waves", v.Prompt)
	assert.Equal(t, assert.AnError.Error(), v.Error)
}

func TestDeleteVideoStopsPolling(t *testing.T) {
	h := newHarness(t, GuestName)
	h.backend.videoOp = VideoOperation{Name: "operations/2"}
	h.script(
		&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateVideo, Args: map[string]any{"prompt": "p"}}}}}},
		text("ok"),
	)
	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "video"}))

	videoID := h.session.Log().Snapshot()[1].ID
	require.True(t, h.session.videos.Active(videoID))
	require.NoError(t, h.session.DeleteMessage(videoID))
	assert.False(t, h.session.videos.Active(videoID))
	assert.Equal(t, 2, h.session.Log().Len())
}

func TestStopKeepsPartialText(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(&fakeStream{chunks: []Chunk{{Text: "Once upon"}}, hold: true})

	done := make(chan error, 1)
	go func() { done <- h.session.Send(context.Background(), SendRequest{Prompt: "tell a story"}) }()

	require.Eventually(t, func() bool { return h.session.Log().Len() == 2 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.session.Send(context.Background(), SendRequest{Prompt: "again"}), ErrBusy)
	assert.ErrorIs(t, h.session.Regenerate(context.Background()), ErrBusy)

	h.session.Stop()
	st := h.session.State()
	assert.False(t, st.Loading)
	assert.False(t, st.Streaming)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not return after stop")
	}

	msgs := h.session.Log().Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Text())
	assert.Empty(t, h.notifications())
}

func TestStopRemovesImagePlaceholder(t *testing.T) {
	h := newHarness(t, GuestName)
	h.images.gate = make(chan struct{})
	h.script(&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateImages, Args: map[string]any{"prompt": "p"}}}}}})

	done := make(chan error, 1)
	go func() { done <- h.session.Send(context.Background(), SendRequest{Prompt: "draw"}) }()

	require.Eventually(t, func() bool {
		msgs := h.session.Log().Snapshot()
		return len(msgs) == 2 && msgs[1].Kind == chatlog.KindImagePending
	}, time.Second, time.Millisecond)
	assert.Equal(t, TaskImage, h.session.State().Task)

	h.session.Stop()
	assert.Equal(t, []chatlog.Kind{chatlog.KindText}, kinds(h.session.Log().Snapshot()))
	require.NoError(t, <-done)
	assert.Equal(t, []chatlog.Kind{chatlog.KindText}, kinds(h.session.Log().Snapshot()))
	assert.Len(t, h.backend.requestsCopy(), 1)
}

func TestStopFailsPendingVideoPlaceholder(t *testing.T) {
	h := newHarness(t, GuestName)
	h.backend.videoGate = make(chan struct{})
	h.script(&fakeStream{chunks: []Chunk{{ToolCalls: []ToolCall{{Name: tools.GenerateVideo, Args: map[string]any{"prompt": "p"}}}}}})

	done := make(chan error, 1)
	go func() { done <- h.session.Send(context.Background(), SendRequest{Prompt: "video"}) }()

	require.Eventually(t, func() bool { return h.session.Log().Len() == 2 }, time.Second, time.Millisecond)
	h.session.Stop()
	require.NoError(t, <-done)

	v := h.session.Log().Snapshot()[1].Content.(chatlog.Video)
	assert.Equal(t, chatlog.VideoError, v.State)
	assert.Empty(t, v.OperationName)
}

func TestRegenerate(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(text("old answer"), text("new answer"))

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "question"}))
	require.NoError(t, h.session.Regenerate(context.Background()))

	msgs := h.session.Log().Snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Text())
	assert.Equal(t, "new answer", msgs[1].Text())

	reqs := h.backend.requestsCopy()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Turns, 1)
	assert.Equal(t, "question", reqs[1].Turns[0].Parts[0].Text)
}

func TestRegenerateRejections(t *testing.T) {
	t.Run("no user message", func(t *testing.T) {
		h := newHarness(t, GuestName)
		assert.ErrorIs(t, h.session.Regenerate(context.Background()), ErrNoUserPrompt)
		notes := h.notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, events.LevelInfo, notes[0].Level)
	})

	t.Run("file upload", func(t *testing.T) {
		h := newHarness(t, GuestName)
		h.script(text("a summary"))
		require.NoError(t, h.session.Send(context.Background(), SendRequest{
			Prompt: "summarize",
			File:   &Attachment{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")},
		}))
		before := h.session.Log().Len()

		assert.ErrorIs(t, h.session.Regenerate(context.Background()), ErrRegenerateUnsupported)
		assert.Equal(t, before, h.session.Log().Len())
		notes := h.notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, events.LevelWarning, notes[0].Level)
	})
}

func TestFileAttachmentIsSentInline(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(text("It is a PDF."))

	require.NoError(t, h.session.Send(context.Background(), SendRequest{
		Prompt: "what is this",
		File:   &Attachment{Name: "a.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")},
	}))

	msgs := h.session.Log().Snapshot()
	assert.Equal(t, chatlog.FileInput{FileName: "a.pdf", MIMEType: "application/pdf", Text: "what is this"}, msgs[0].Content)
	parts := h.backend.requestsCopy()[0].Turns[0].Parts
	require.Len(t, parts, 2)
	require.NotNil(t, parts[0].Inline)
	assert.Equal(t, "application/pdf", parts[0].Inline.MIMEType)
	assert.Equal(t, "what is this", parts[1].Text)
}

func TestEditImage(t *testing.T) {
	h := newHarness(t, GuestName)
	h.backend.edit = EditResult{Text: "Added a hat.", Image: &Inline{MIMEType: "image/png", Data: []byte("x")}}

	require.NoError(t, h.session.Send(context.Background(), SendRequest{
		Prompt: "add a hat",
		Image:  &Attachment{MIMEType: "image/jpeg", Data: []byte("jpg")},
	}))

	msgs := h.session.Log().Snapshot()
	assert.Equal(t, []chatlog.Kind{chatlog.KindMultimodalUser, chatlog.KindImage, chatlog.KindText}, kinds(msgs))
	assert.Equal(t, "data:image/jpeg;base64,anBn", msgs[0].Content.(chatlog.MultimodalInput).ImageRef)
	assert.Equal(t, "Jiam Edit", msgs[1].Content.(chatlog.ImageSet).Images[0].Provider)
	assert.Equal(t, "Added a hat.", msgs[2].Text())
	assert.Empty(t, h.backend.requestsCopy())
}

func TestEditImageEmptyResult(t *testing.T) {
	h := newHarness(t, GuestName)

	err := h.session.Send(context.Background(), SendRequest{
		Prompt: "add a hat",
		Image:  &Attachment{MIMEType: "image/jpeg", Data: []byte("jpg")},
	})
	assert.ErrorIs(t, err, ErrEmptyEdit)
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ErrEmptyEdit.Error(), notes[0].Message)
}

func TestMemoryDirective(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "ana")
	require.NoError(t, h.session.Load(ctx))
	h.script(
		text("Nice to meet you! [[memory:likes green tea]] [[memory:has a cat]]"),
		text("Sure."),
	)

	require.NoError(t, h.session.Send(ctx, SendRequest{Prompt: "I love green tea and my cat"}))

	msgs := h.session.Log().Snapshot()
	reply := msgs[len(msgs)-1]
	assert.Equal(t, "Nice to meet you!", reply.Text())
	pending := h.session.State().PendingMemory
	require.NotNil(t, pending)
	assert.Equal(t, "likes green tea", pending.Fact)
	assert.Equal(t, reply.ID, pending.MessageID)

	assert.ErrorIs(t, h.session.Send(ctx, SendRequest{Prompt: "next"}), ErrMemoryPending)

	require.NoError(t, h.session.ConfirmMemory(ctx))
	assert.Nil(t, h.session.State().PendingMemory)
	mem, err := h.store.Memory(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, "likes green tea", mem)

	msgs = h.session.Log().Snapshot()
	last := msgs[len(msgs)-1]
	assert.Equal(t, chatlog.KindSystem, last.Kind)
	assert.Equal(t, `Got it. I'll remember: "likes green tea"`, last.Text())

	require.NoError(t, h.session.Send(ctx, SendRequest{Prompt: "next"}))
	reqs := h.backend.requestsCopy()
	assert.Contains(t, reqs[len(reqs)-1].SystemInstruction, "likes green tea")
}

func TestMemoryDirectiveRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "ana")
	require.NoError(t, h.session.Load(ctx))
	h.script(text("Noted. [[memory:is left-handed]]"))

	require.NoError(t, h.session.Send(ctx, SendRequest{Prompt: "I'm left-handed"}))
	require.NotNil(t, h.session.State().PendingMemory)

	h.session.RejectMemory()
	assert.Nil(t, h.session.State().PendingMemory)
	mem, err := h.store.Memory(ctx, "ana")
	require.NoError(t, err)
	assert.Empty(t, mem)
	assert.ErrorIs(t, h.session.ConfirmMemory(ctx), ErrNoPendingMemory)
}

func TestGuestMemoryDirectiveIsStripped(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(text("Hello [[memory:likes tea]]"))

	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "hi"}))

	msgs := h.session.Log().Snapshot()
	assert.Equal(t, "Hello", msgs[len(msgs)-1].Text())
	assert.Nil(t, h.session.State().PendingMemory)
}

func TestLoadAndPersist(t *testing.T) {
	ctx := context.Background()

	guest := newHarness(t, GuestName)
	require.NoError(t, guest.session.Load(ctx))
	msgs := guest.session.Log().Snapshot()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text(), "Sign up to save your chats!")

	h := newHarness(t, "ana")
	require.NoError(t, h.session.Load(ctx))
	msgs = h.session.Log().Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Welcome back, ana! What's on your mind?", msgs[0].Text())

	h.script(text("hello"))
	require.NoError(t, h.session.Send(ctx, SendRequest{Prompt: "hi"}))
	h.session.Log().Flush()

	saved, err := h.store.History(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "hello", saved[2].Text())

	h.session.StartNewChat(ctx)
	msgs = h.session.Log().Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "New chat started. How can I help you?", msgs[0].Text())
}

func TestLoadResumesVideoPolling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "ana")
	require.NoError(t, h.store.SaveHistory(ctx, "ana", []chatlog.Message{{
		ID:        "v1",
		Sender:    chatlog.SenderAssistant,
		Kind:      chatlog.KindVideo,
		Content:   chatlog.Video{State: chatlog.VideoLoading, Prompt: "p", OperationName: "operations/9"},
		Timestamp: time.Now(),
	}}))
	h.backend.poll = func(int) (VideoStatus, error) {
		return VideoStatus{Done: true, VideoURI: "https://v/9"}, nil
	}

	require.NoError(t, h.session.Load(ctx))

	assert.Eventually(t, func() bool {
		m, ok := h.session.Log().Get("v1")
		return ok && m.Content.(chatlog.Video).State == chatlog.VideoDone
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPinAndArchive(t *testing.T) {
	h := newHarness(t, GuestName)
	h.script(text("a"))
	require.NoError(t, h.session.Send(context.Background(), SendRequest{Prompt: "q"}))
	id := h.session.Log().Snapshot()[1].ID

	require.NoError(t, h.session.TogglePin(id))
	require.NoError(t, h.session.ToggleArchive(id))
	m, _ := h.session.Log().Get(id)
	assert.True(t, m.Pinned)
	assert.True(t, m.Archived)

	require.NoError(t, h.session.TogglePin(id))
	m, _ = h.session.Log().Get(id)
	assert.False(t, m.Pinned)

	assert.ErrorIs(t, h.session.TogglePin("missing"), chatlog.ErrMessageNotFound)
}
