package chatlog

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kindPtr(k Kind) *Kind { return &k }

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	l := NewLog()
	a, err := l.Append(SenderUser, KindText, Text("hi"))
	require.NoError(t, err)
	b, err := l.Append(SenderAssistant, KindText, Text("hello"))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, 2, l.Len())
}

func TestAppendRejectsMismatchedContent(t *testing.T) {
	l := NewLog()
	_, err := l.Append(SenderAssistant, KindImage, Text("nope"))
	assert.ErrorIs(t, err, ErrContentMismatch)
	_, err = l.Append(SenderAssistant, KindText, nil)
	assert.ErrorIs(t, err, ErrContentMismatch)
	assert.Equal(t, 0, l.Len())
}

func TestUpdateKeepsIDAndTimestamp(t *testing.T) {
	l := NewLog()
	m, _ := l.Append(SenderAssistant, KindImagePending, ImagePending{Prompt: "a cat"})

	updated, err := l.Update(m.ID, Patch{
		Kind:    kindPtr(KindImage),
		Content: ImageSet{Images: []Image{{BlobRef: "b", SourceURL: "u", Provider: "p"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, m.ID, updated.ID)
	assert.Equal(t, m.Timestamp, updated.Timestamp)
	assert.Equal(t, KindImage, updated.Kind)

	_, err = l.Update("missing", Patch{Content: Text("x")})
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestUpdateRejectsKindContentMismatch(t *testing.T) {
	l := NewLog()
	m, _ := l.Append(SenderAssistant, KindText, Text("x"))
	_, err := l.Update(m.ID, Patch{Kind: kindPtr(KindLyrics)})
	assert.ErrorIs(t, err, ErrContentMismatch)

	got, _ := l.Get(m.ID)
	assert.Equal(t, KindText, got.Kind)
}

func TestLiveMessageFinalization(t *testing.T) {
	l := NewLog()
	m, _ := l.Append(SenderUser, KindLiveUser, Text("hel"))

	_, err := l.Update(m.ID, Patch{Content: Text("hello")})
	require.NoError(t, err)

	_, err = l.Update(m.ID, Patch{Kind: kindPtr(KindImage)})
	assert.ErrorIs(t, err, ErrContentMismatch)

	final, err := l.Update(m.ID, Patch{Kind: kindPtr(KindText)})
	require.NoError(t, err)
	assert.Equal(t, KindText, final.Kind)
	assert.Equal(t, "hello", final.Text())

	_, err = l.Update(m.ID, Patch{Content: Text("changed")})
	assert.ErrorIs(t, err, ErrFinalized)

	pinned := true
	_, err = l.Update(m.ID, Patch{Pinned: &pinned})
	assert.NoError(t, err)
}

func TestTruncateAfter(t *testing.T) {
	l := NewLog()
	u1, _ := l.Append(SenderUser, KindText, Text("one"))
	l.Append(SenderAssistant, KindText, Text("two"))
	u2, _ := l.Append(SenderUser, KindText, Text("three"))
	l.Append(SenderAssistant, KindText, Text("four"))

	require.NoError(t, l.TruncateAfter(u2.ID))
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, u2.ID, snap[2].ID)

	require.NoError(t, l.TruncateAfter(u1.ID))
	assert.Equal(t, 1, l.Len())
	assert.ErrorIs(t, l.TruncateAfter("missing"), ErrMessageNotFound)
}

func TestDelete(t *testing.T) {
	l := NewLog()
	m, _ := l.Append(SenderUser, KindText, Text("x"))
	require.NoError(t, l.Delete(m.ID))
	assert.ErrorIs(t, l.Delete(m.ID), ErrMessageNotFound)
	assert.Equal(t, 0, l.Len())
}

func TestContextMessagesFiltersKinds(t *testing.T) {
	l := NewLog()
	l.Append(SenderUser, KindText, Text("q1"))
	l.Append(SenderAssistant, KindImage, ImageSet{})
	l.Append(SenderAssistant, KindLyrics, Lyrics{Title: "t"})
	l.Append(SenderAssistant, KindSystem, Text("notice"))
	l.Append(SenderUser, KindMultimodalUser, MultimodalInput{ImageRef: "data:", Text: "look"})
	l.Append(SenderUser, KindFileUser, FileInput{FileName: "a.pdf", Text: "read"})
	l.Append(SenderAssistant, KindText, Text(""))
	l.Append(SenderAssistant, KindText, Text("a1"))

	msgs := l.ContextMessages(0)
	require.Len(t, msgs, 4)
	assert.Equal(t, "q1", msgs[0].Text())
	assert.Equal(t, "look", msgs[1].Text())
	assert.Equal(t, "read", msgs[2].Text())
	assert.Equal(t, "a1", msgs[3].Text())

	tail := l.ContextMessages(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "read", tail[0].Text())
}

func TestReplaceBroadcastsSortsByTimestamp(t *testing.T) {
	l := NewLog()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	l.Append(SenderUser, KindText, Text("first"))
	l.now = func() time.Time { return base.Add(2 * time.Second) }
	l.Append(SenderUser, KindText, Text("third"))

	l.ReplaceBroadcasts([]Message{
		{ID: "b1", Sender: SenderAssistant, Content: Text("old"), Timestamp: base.Add(time.Second)},
	})
	snap := l.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "b1", snap[1].ID)
	assert.Equal(t, KindBroadcast, snap[1].Kind)

	l.ReplaceBroadcasts(nil)
	assert.Equal(t, 2, l.Len())
}

func TestPersisterSkipsLiveSnapshots(t *testing.T) {
	l := NewLog()
	defer l.Close()
	var mu sync.Mutex
	var saved [][]Message
	l.SetPersister(func(msgs []Message) {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, msgs)
	})

	l.Append(SenderUser, KindText, Text("x"))
	live, _ := l.Append(SenderUser, KindLiveUser, Text("y"))
	l.Update(live.ID, Patch{Content: Text("yy")})
	l.Update(live.ID, Patch{Kind: kindPtr(KindText)})
	l.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, saved)
	for _, snap := range saved {
		for _, m := range snap {
			assert.False(t, m.Kind.IsLive())
		}
	}
	last := saved[len(saved)-1]
	require.Len(t, last, 2)
	assert.Equal(t, "yy", last[1].Text())
}

func TestPersisterKeepsNewestSnapshotWithConcurrentWriters(t *testing.T) {
	l := NewLog()
	defer l.Close()
	var mu sync.Mutex
	var lastSaved []Message
	l.SetPersister(func(msgs []Message) {
		if len(msgs) == 1 {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		lastSaved = msgs
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Append(SenderUser, KindText, Text("first"))
	}()
	l.Append(SenderUser, KindText, Text("second"))
	wg.Wait()
	l.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, l.Len())
	assert.Len(t, lastSaved, 2)
}

func TestPersisterDoesNotBlockWriters(t *testing.T) {
	l := NewLog()
	defer l.Close()
	release := make(chan struct{})
	var mu sync.Mutex
	var saves int
	l.SetPersister(func([]Message) {
		<-release
		mu.Lock()
		saves++
		mu.Unlock()
	})

	m, _ := l.Append(SenderAssistant, KindText, Text(""))
	for i := 0; i < 50; i++ {
		_, err := l.Update(m.ID, Patch{Content: Text(strings.Repeat("a", i))})
		require.NoError(t, err)
	}
	close(release)
	l.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, saves, 2)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	l := NewLog()
	ch := make(chan Change, 4)
	l.Subscribe(ch)

	m, _ := l.Append(SenderUser, KindText, Text("x"))
	l.Delete(m.ID)

	first := <-ch
	assert.Equal(t, OpAppend, first.Op)
	assert.Equal(t, m.ID, first.Message.ID)
	second := <-ch
	assert.Equal(t, OpDelete, second.Op)
}

func TestSnapshotIsACopy(t *testing.T) {
	l := NewLog()
	m, _ := l.Append(SenderAssistant, KindImage, ImageSet{Images: []Image{{BlobRef: "a"}}})
	snap := l.Snapshot()
	snap[0].Content.(ImageSet).Images[0].BlobRef = "mutated"

	got, _ := l.Get(m.ID)
	assert.Equal(t, "a", got.Content.(ImageSet).Images[0].BlobRef)
}

func TestMessageJSONRoundTripKeepsContentShape(t *testing.T) {
	msgs := []Message{
		{ID: "1", Sender: SenderUser, Kind: KindText, Content: Text("hi")},
		{ID: "2", Sender: SenderAssistant, Kind: KindVideo, Content: Video{State: VideoLoading, Prompt: "p", OperationName: "op"}},
		{ID: "3", Sender: SenderAssistant, Kind: KindText, Content: Text("cited"), Citations: []Citation{{URI: "u", Title: "t"}}},
	}
	data, err := json.Marshal(msgs)
	require.NoError(t, err)

	var decoded []Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, Text("hi"), decoded[0].Content)
	assert.Equal(t, Video{State: VideoLoading, Prompt: "p", OperationName: "op"}, decoded[1].Content)
	assert.Equal(t, []Citation{{URI: "u", Title: "t"}}, decoded[2].Citations)

	var bad Message
	assert.Error(t, json.Unmarshal([]byte(`{"id":"x","type":"bogus","content":null}`), &bad))
}
