package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/realtime-ai/realtime-chat/pkg/audio"
	"github.com/realtime-ai/realtime-chat/pkg/live"
)

// LiveDialer opens Gemini Live sessions with audio responses and both
// transcriptions enabled.
type LiveDialer struct {
	client *genai.Client
	model  string
}

var _ live.Dialer = (*LiveDialer)(nil)

func (d *LiveDialer) Dial(ctx context.Context, cfg live.ConnectConfig) (live.Conn, error) {
	model := cfg.Model
	if model == "" {
		model = d.model
	}
	log.Printf("[Gemini] connecting live model %s", model)
	session, err := d.client.Live.Connect(ctx, model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect live: %w", err)
	}
	return &liveConn{session: session}, nil
}

func liveConfig(cfg live.ConnectConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return lc
}

type liveConn struct {
	session *genai.Session
}

func (c *liveConn) SendRealtimeInput(b audio.Blob) error {
	raw, err := audio.DecodeBase64(b.Data)
	if err != nil {
		return err
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: b.MIMEType, Data: raw},
	})
}

func (c *liveConn) Recv() (*live.ServerMessage, error) {
	msg, err := c.session.Receive()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return toServerMessage(msg), nil
}

func (c *liveConn) Close() error {
	return c.session.Close()
}

func toServerMessage(msg *genai.LiveServerMessage) *live.ServerMessage {
	out := &live.ServerMessage{}
	if msg == nil || msg.ServerContent == nil {
		return out
	}
	sc := msg.ServerContent
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			out.Audio = append(out.Audio, audio.Blob{
				Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				MIMEType: p.InlineData.MIMEType,
			})
		}
	}
	out.Interrupted = sc.Interrupted
	out.TurnComplete = sc.TurnComplete
	return out
}
