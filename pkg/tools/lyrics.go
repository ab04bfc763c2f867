package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var (
	ErrLyricsNotFound        = errors.New("lyrics not found")
	ErrNoLyricsMatch         = errors.New("no lyrics match the query")
	ErrInvalidLyricsResponse = errors.New("invalid lyrics response")
	ErrLyricsUnavailable     = errors.New("lyrics service unavailable")
)

// DefaultLyricsURL is the search endpoint used when none is configured.
const DefaultLyricsURL = "https://api.ryzumi.vip/api/search/lyrics"

// Lyrics is a found song.
type Lyrics struct {
	Title  string
	Artist string
	Lyrics string
}

// LyricsFetcher finds lyrics for a free-text query.
type LyricsFetcher interface {
	Fetch(ctx context.Context, query string) (Lyrics, error)
}

// HTTPLyricsFetcher queries a lyrics search API returning a JSON array of hits.
type HTTPLyricsFetcher struct {
	baseURL    string
	httpClient *http.Client
}

var _ LyricsFetcher = (*HTTPLyricsFetcher)(nil)

// NewHTTPLyricsFetcher creates a fetcher for baseURL (DefaultLyricsURL when empty).
func NewHTTPLyricsFetcher(baseURL string) *HTTPLyricsFetcher {
	if baseURL == "" {
		baseURL = DefaultLyricsURL
	}
	return &HTTPLyricsFetcher{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type lyricsHit struct {
	Name        string `json:"name"`
	ArtistName  string `json:"artistName"`
	PlainLyrics string `json:"plainLyrics"`
}

func (f *HTTPLyricsFetcher) Fetch(ctx context.Context, query string) (Lyrics, error) {
	endpoint := f.baseURL + "?query=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Lyrics{}, fmt.Errorf("%w: %v", ErrLyricsUnavailable, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Lyrics{}, fmt.Errorf("%w: %v", ErrLyricsUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Lyrics{}, ErrLyricsNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return Lyrics{}, fmt.Errorf("lyrics API request failed with status: %s", resp.Status)
	}

	var hits []lyricsHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return Lyrics{}, fmt.Errorf("%w: %v", ErrInvalidLyricsResponse, err)
	}
	if len(hits) == 0 {
		return Lyrics{}, ErrNoLyricsMatch
	}

	first := hits[0]
	if first.PlainLyrics == "" {
		return Lyrics{}, ErrInvalidLyricsResponse
	}

	out := Lyrics{Title: first.Name, Artist: first.ArtistName, Lyrics: first.PlainLyrics}
	if out.Title == "" {
		out.Title = "Unknown Title"
	}
	if out.Artist == "" {
		out.Artist = "Unknown Artist"
	}
	return out, nil
}
