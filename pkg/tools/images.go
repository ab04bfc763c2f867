package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrAllImageProvidersFailed is returned when every selected image service fails.
var ErrAllImageProvidersFailed = errors.New("all image generation services failed")

const maxImageBytes = 20 << 20

// ImageAPI is an external image service. URL contains "{prompt}".
type ImageAPI struct {
	Name string
	URL  string
}

// Endpoint returns the request URL for prompt.
func (a ImageAPI) Endpoint(prompt string) string {
	return strings.ReplaceAll(a.URL, "{prompt}", url.QueryEscape(prompt))
}

// GeneratedImage is one successful image.
type GeneratedImage struct {
	Provider  string
	SourceURL string
	MIMEType  string
	Data      []byte
}

// ImageGenerator produces images for a prompt.
type ImageGenerator interface {
	// Generate queries the service named apiName, or all of them for
	// AllImageAPIs. It fails only when every queried service fails.
	Generate(ctx context.Context, prompt, apiName string) ([]GeneratedImage, error)
}

// ImageConfig configures HTTPImageGenerator.
type ImageConfig struct {
	APIs    []ImageAPI
	Timeout time.Duration
}

// HTTPImageGenerator fans a prompt out to several HTTP image services.
type HTTPImageGenerator struct {
	apis       []ImageAPI
	httpClient *http.Client
}

var _ ImageGenerator = (*HTTPImageGenerator)(nil)

// NewHTTPImageGenerator creates a generator over cfg.APIs.
func NewHTTPImageGenerator(cfg ImageConfig) *HTTPImageGenerator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPImageGenerator{
		apis:       append([]ImageAPI(nil), cfg.APIs...),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Names returns the configured service names.
func (g *HTTPImageGenerator) Names() []string {
	names := make([]string, len(g.apis))
	for i, a := range g.apis {
		names[i] = a.Name
	}
	return names
}

func (g *HTTPImageGenerator) Generate(ctx context.Context, prompt, apiName string) ([]GeneratedImage, error) {
	var selected []ImageAPI
	for _, a := range g.apis {
		if apiName == "" || apiName == AllImageAPIs || a.Name == apiName {
			selected = append(selected, a)
		}
	}
	if len(selected) == 0 {
		log.Printf("[Tools] image api %q not found", apiName)
		return nil, nil
	}

	images := make([]*GeneratedImage, len(selected))
	errs := make([]error, len(selected))
	var wg sync.WaitGroup
	for i, api := range selected {
		wg.Add(1)
		go func(i int, api ImageAPI) {
			defer wg.Done()
			images[i], errs[i] = g.fetch(ctx, api, prompt)
		}(i, api)
	}
	wg.Wait()

	var out []GeneratedImage
	var firstErr error
	for i, img := range images {
		if errs[i] != nil {
			log.Printf("[Tools] image api %s failed: %v", selected[i].Name, errs[i])
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		out = append(out, *img)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAllImageProvidersFailed, firstErr)
	}
	return out, nil
}

func (g *HTTPImageGenerator) fetch(ctx context.Context, api ImageAPI, prompt string) (*GeneratedImage, error) {
	endpoint := api.Endpoint(prompt)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("API %s: %w", api.Name, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API %s: %w", api.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API %s failed with status: %d", api.Name, resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("invalid content type from %s: %q", api.Name, mediaType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("API %s: read body: %w", api.Name, err)
	}

	return &GeneratedImage{
		Provider:  api.Name,
		SourceURL: endpoint,
		MIMEType:  mediaType,
		Data:      data,
	}, nil
}
