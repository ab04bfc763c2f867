// Package chatlog holds the conversation message log shared by the chat
// orchestrator and the live voice session.
package chatlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender is the author of a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "ai"
)

// Kind selects the shape of a message's content.
type Kind string

const (
	KindText           Kind = "text"
	KindImage          Kind = "image"
	KindImagePending   Kind = "image-loading"
	KindLyrics         Kind = "lyrics"
	KindVideo          Kind = "video"
	KindMultimodalUser Kind = "multimodal-user"
	KindFileUser       Kind = "file-user"
	KindLiveUser       Kind = "live-user"
	KindLiveAssistant  Kind = "live-ai"
	KindSystem         Kind = "system"
	KindBroadcast      Kind = "broadcast"
)

// IsLive reports whether k is one of the live-partial kinds.
func (k Kind) IsLive() bool {
	return k == KindLiveUser || k == KindLiveAssistant
}

// InContext reports whether messages of kind k are sent to the generation
// backend as conversation history.
func (k Kind) InContext() bool {
	return k == KindText || k == KindMultimodalUser || k == KindFileUser
}

// Citation is a web source backing generated text.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Content is the kind-dependent payload of a message.
type Content interface {
	accepts(k Kind) bool
}

// Text is the payload of text, system, broadcast and live-partial messages.
type Text string

// Image is one generated image.
type Image struct {
	BlobRef   string `json:"blobUrl"`
	SourceURL string `json:"sourceUrl"`
	Provider  string `json:"apiName"`
}

// ImageSet is the payload of image messages.
type ImageSet struct {
	Images []Image `json:"images"`
}

// ImagePending is the payload of image placeholder messages.
type ImagePending struct {
	Prompt string `json:"prompt"`
}

// Lyrics is the payload of lyrics messages.
type Lyrics struct {
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Lyrics string `json:"lyrics"`
}

// VideoState is the lifecycle of a generated video.
type VideoState string

const (
	VideoLoading VideoState = "loading"
	VideoDone    VideoState = "done"
	VideoError   VideoState = "error"
)

// Video is the payload of video messages.
type Video struct {
	State         VideoState `json:"state"`
	Prompt        string     `json:"prompt"`
	VideoURL      string     `json:"videoUrl,omitempty"`
	DownloadURL   string     `json:"downloadUrl,omitempty"`
	OperationName string     `json:"operationName,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// MultimodalInput is a user message carrying an image and text.
type MultimodalInput struct {
	ImageRef string `json:"imageUrl"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// FileInput is a user message carrying a file and text.
type FileInput struct {
	FileName string `json:"fileName"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

func (Text) accepts(k Kind) bool {
	switch k {
	case KindText, KindSystem, KindBroadcast, KindLiveUser, KindLiveAssistant:
		return true
	}
	return false
}
func (ImageSet) accepts(k Kind) bool        { return k == KindImage }
func (ImagePending) accepts(k Kind) bool    { return k == KindImagePending }
func (Lyrics) accepts(k Kind) bool          { return k == KindLyrics }
func (Video) accepts(k Kind) bool           { return k == KindVideo }
func (MultimodalInput) accepts(k Kind) bool { return k == KindMultimodalUser }
func (FileInput) accepts(k Kind) bool       { return k == KindFileUser }

// Message is a unit of the conversation log.
type Message struct {
	ID        string
	Sender    Sender
	Kind      Kind
	Content   Content
	Timestamp time.Time
	Pinned    bool
	Archived  bool
	Citations []Citation
}

// Text returns the textual part of the message, if any.
func (m Message) Text() string {
	switch c := m.Content.(type) {
	case Text:
		return string(c)
	case MultimodalInput:
		return c.Text
	case FileInput:
		return c.Text
	}
	return ""
}

// HasAttachment reports whether the message carries a staged image or file.
func (m Message) HasAttachment() bool {
	return m.Kind == KindMultimodalUser || m.Kind == KindFileUser
}

func (m Message) clone() Message {
	if m.Citations != nil {
		m.Citations = append([]Citation(nil), m.Citations...)
	}
	if set, ok := m.Content.(ImageSet); ok {
		set.Images = append([]Image(nil), set.Images...)
		m.Content = set
	}
	return m
}

type wireMessage struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Kind      Kind            `json:"type"`
	Content   json.RawMessage `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Pinned    bool            `json:"isPinned,omitempty"`
	Archived  bool            `json:"isArchived,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
}

// MarshalJSON encodes the message with its kind-dependent content.
func (m Message) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		ID:        m.ID,
		Sender:    m.Sender,
		Kind:      m.Kind,
		Content:   content,
		Timestamp: m.Timestamp,
		Pinned:    m.Pinned,
		Archived:  m.Archived,
		Citations: m.Citations,
	})
}

// UnmarshalJSON decodes the content shape selected by the message kind.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var content Content
	var err error
	switch w.Kind {
	case KindText, KindSystem, KindBroadcast, KindLiveUser, KindLiveAssistant:
		var s string
		err = json.Unmarshal(w.Content, &s)
		content = Text(s)
	case KindImage:
		var c ImageSet
		err = json.Unmarshal(w.Content, &c)
		content = c
	case KindImagePending:
		var c ImagePending
		err = json.Unmarshal(w.Content, &c)
		content = c
	case KindLyrics:
		var c Lyrics
		err = json.Unmarshal(w.Content, &c)
		content = c
	case KindVideo:
		var c Video
		err = json.Unmarshal(w.Content, &c)
		content = c
	case KindMultimodalUser:
		var c MultimodalInput
		err = json.Unmarshal(w.Content, &c)
		content = c
	case KindFileUser:
		var c FileInput
		err = json.Unmarshal(w.Content, &c)
		content = c
	default:
		return fmt.Errorf("unknown message kind %q", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s content: %w", w.Kind, err)
	}

	*m = Message{
		ID:        w.ID,
		Sender:    w.Sender,
		Kind:      w.Kind,
		Content:   content,
		Timestamp: w.Timestamp,
		Pinned:    w.Pinned,
		Archived:  w.Archived,
		Citations: w.Citations,
	}
	return nil
}
