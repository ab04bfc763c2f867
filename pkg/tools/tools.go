// Package tools declares the capabilities the model may invoke and the HTTP
// providers that back the image and lyrics tools.
package tools

import "errors"

// Tool names as declared to the model.
const (
	GenerateImages = "generate_images"
	FetchLyrics    = "fetch_lyrics"
	GenerateVideo  = "generate_video"
)

// AllImageAPIs selects every configured image service.
const AllImageAPIs = "All"

// ErrUnknownTool is returned for a tool call whose name is not declared.
var ErrUnknownTool = errors.New("unknown tool")

// Param is one string parameter of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// Declaration describes a tool independent of any backend's schema types.
type Declaration struct {
	Name        string
	Description string
	Params      []Param
}

// Declarations lists every tool offered on the first request of a turn.
var Declarations = []Declaration{
	{
		Name: GenerateImages,
		Description: "Generates a static, 2D image, picture, photo, drawing, or illustration based on a user's text prompt. " +
			"Use this for requests involving visual art that does not move, such as creating a logo, drawing a character, " +
			"or rendering a scene. Do not use this tool for videos or animations.",
		Params: []Param{
			{Name: "prompt", Description: "A detailed description of the image to generate.", Required: true},
			{Name: "apiName", Description: `The specific image generation API to use. Defaults to "All".`},
		},
	},
	{
		Name:        FetchLyrics,
		Description: "Fetches the lyrics for a song. Use this when the user asks for lyrics.",
		Params: []Param{
			{Name: "query", Description: "The name of the song and/or artist.", Required: true},
		},
	},
	{
		Name: GenerateVideo,
		Description: "Generates a short, animated video clip based on a user's text prompt. Use this for requests involving " +
			"moving pictures, animations, or clips. Do not use this tool for static images, photos, or drawings.",
		Params: []Param{
			{Name: "prompt", Description: "A detailed description of the video to generate.", Required: true},
		},
	},
}

// Lookup returns the declaration named name.
func Lookup(name string) (Declaration, error) {
	for _, d := range Declarations {
		if d.Name == name {
			return d, nil
		}
	}
	return Declaration{}, ErrUnknownTool
}

// UserMessage returns the text shown to the user for a provider error.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrLyricsNotFound):
		return "Could not find lyrics for that query."
	case errors.Is(err, ErrNoLyricsMatch):
		return "Sorry, I couldn't find any lyrics matching your query."
	case errors.Is(err, ErrInvalidLyricsResponse):
		return "The lyrics service returned an invalid response."
	case errors.Is(err, ErrLyricsUnavailable):
		return "The lyrics service is currently unavailable. Please check your connection and try again."
	case err == nil:
		return ""
	}
	return err.Error()
}
