package gemini

import (
	"fmt"

	"google.golang.org/genai"

	"github.com/realtime-ai/realtime-chat/pkg/chat"
	"github.com/realtime-ai/realtime-chat/pkg/chatlog"
	"github.com/realtime-ai/realtime-chat/pkg/tools"
)

// thinkingBudget is the token budget granted when thinking mode is on.
const thinkingBudget int32 = 16384

func toContents(turns []chat.Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == chat.RoleModel {
			role = genai.RoleModel
		}
		c := &genai.Content{Role: string(role)}
		for _, p := range t.Parts {
			if part := toPart(p); part != nil {
				c.Parts = append(c.Parts, part)
			}
		}
		if len(c.Parts) > 0 {
			contents = append(contents, c)
		}
	}
	return contents
}

func toPart(p chat.Part) *genai.Part {
	switch {
	case p.Inline != nil:
		return &genai.Part{InlineData: &genai.Blob{MIMEType: p.Inline.MIMEType, Data: p.Inline.Data}}
	case p.ToolCall != nil:
		return &genai.Part{FunctionCall: &genai.FunctionCall{
			ID:   p.ToolCall.ID,
			Name: p.ToolCall.Name,
			Args: p.ToolCall.Args,
		}}
	case p.ToolResult != nil:
		return &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       p.ToolResult.ID,
			Name:     p.ToolResult.Name,
			Response: p.ToolResult.Response,
		}}
	case p.Text != "":
		return &genai.Part{Text: p.Text}
	}
	return nil
}

func toTools(decls []tools.Declaration, webGrounding bool) []*genai.Tool {
	var out []*genai.Tool
	if len(decls) > 0 {
		fns := make([]*genai.FunctionDeclaration, 0, len(decls))
		for _, d := range decls {
			schema := &genai.Schema{
				Type:       genai.TypeObject,
				Properties: make(map[string]*genai.Schema, len(d.Params)),
			}
			for _, p := range d.Params {
				schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
				if p.Required {
					schema.Required = append(schema.Required, p.Name)
				}
			}
			fns = append(fns, &genai.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			})
		}
		out = append(out, &genai.Tool{FunctionDeclarations: fns})
	}
	if webGrounding {
		out = append(out, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}
	return out
}

func chatConfig(req chat.ChatRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{Tools: toTools(req.Tools, req.WebGrounding)}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Thinking {
		budget := thinkingBudget
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	return cfg
}

// toChunk extracts the text, tool calls and web citations of one streamed
// response. Thought parts are skipped.
func toChunk(resp *genai.GenerateContentResponse) chat.Chunk {
	var chunk chat.Chunk
	if resp == nil || len(resp.Candidates) == 0 {
		return chunk
	}
	cand := resp.Candidates[0]
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			switch {
			case p.Thought:
			case p.FunctionCall != nil:
				chunk.ToolCalls = append(chunk.ToolCalls, chat.ToolCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				})
			case p.Text != "":
				chunk.Text += p.Text
			}
		}
	}
	if gm := cand.GroundingMetadata; gm != nil {
		for _, gc := range gm.GroundingChunks {
			if gc.Web == nil || gc.Web.URI == "" {
				continue
			}
			chunk.Citations = append(chunk.Citations, chatlog.Citation{URI: gc.Web.URI, Title: gc.Web.Title})
		}
	}
	return chunk
}

func toEditResult(resp *genai.GenerateContentResponse) chat.EditResult {
	var out chat.EditResult
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, p := range resp.Candidates[0].Content.Parts {
		switch {
		case p.Text != "":
			out.Text = p.Text
		case p.InlineData != nil:
			out.Image = &chat.Inline{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data}
		}
	}
	return out
}

// toVideoStatus maps a polled operation. The download URL carries the API
// key because the hosted file requires it.
func toVideoStatus(op *genai.GenerateVideosOperation, apiKey string) chat.VideoStatus {
	if op == nil || !op.Done {
		return chat.VideoStatus{}
	}
	status := chat.VideoStatus{Done: true}
	if op.Error != nil {
		msg, _ := op.Error["message"].(string)
		if msg == "" {
			msg = fmt.Sprint(op.Error)
		}
		status.Error = msg
		return status
	}
	if op.Response != nil {
		for _, v := range op.Response.GeneratedVideos {
			if v != nil && v.Video != nil && v.Video.URI != "" {
				status.VideoURI = v.Video.URI
				status.DownloadURL = v.Video.URI + "&key=" + apiKey
				break
			}
		}
	}
	return status
}
