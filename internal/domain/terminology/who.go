package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// WHOConfig carries the per-module search endpoints and API credentials.
type WHOConfig struct {
	MMSSearchURL string
	TM2SearchURL string
	APIKey       string
	Timeout      time.Duration
}

// WHOClient queries the WHO ICD-11 linearization search endpoints.
type WHOClient struct {
	http *resty.Client
	cfg  WHOConfig
}

func NewWHOClient(cfg WHOConfig) *WHOClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Accept-Language", "en").
		SetHeader("API-Version", "v2")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &WHOClient{http: httpClient, cfg: cfg}
}

// languageValue decodes WHO title/definition fields, which are either plain
// strings or {"@value": "..."} language maps.
type languageValue string

func (v *languageValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = languageValue(s)
		return nil
	}
	var wrapped struct {
		Value string `json:"@value"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*v = languageValue(wrapped.Value)
	return nil
}

type whoEntity struct {
	TheCode    languageValue `json:"theCode"`
	Title      languageValue `json:"title"`
	Definition languageValue `json:"definition"`
}

type whoSearchResponse struct {
	DestinationEntities []whoEntity `json:"destinationEntities"`
}

// stripMarkup removes the match-highlighting tags WHO embeds in titles.
func stripMarkup(s string) string {
	s = strings.ReplaceAll(s, "<em class='found'>", "")
	return strings.ReplaceAll(s, "</em>", "")
}

func (c *WHOClient) searchURL(module string) (string, error) {
	switch module {
	case ModuleMMS:
		if c.cfg.MMSSearchURL == "" {
			return "", fmt.Errorf("mms search url not configured")
		}
		return c.cfg.MMSSearchURL, nil
	case ModuleTM2:
		if c.cfg.TM2SearchURL == "" {
			return "", fmt.Errorf("tm2 search url not configured")
		}
		return c.cfg.TM2SearchURL, nil
	default:
		return "", fmt.Errorf("unknown module %q", module)
	}
}

// Search queries one linearization module and returns normalized concepts.
func (c *WHOClient) Search(ctx context.Context, q, module string, limit int) ([]Concept, error) {
	url, err := c.searchURL(module)
	if err != nil {
		return nil, err
	}

	var body whoSearchResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":                   q,
			"flatResults":         "true",
			"useFlexisearch":      "false",
			"highlightingEnabled": "false",
			"maxList":             strconv.Itoa(limit),
		}).
		SetResult(&body).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("who search: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("who search: status %d", resp.StatusCode())
	}

	concepts := make([]Concept, 0, len(body.DestinationEntities))
	for _, e := range body.DestinationEntities {
		if len(concepts) == limit {
			break
		}
		concepts = append(concepts, Concept{
			Code:       string(e.TheCode),
			Title:      stripMarkup(string(e.Title)),
			Definition: stripMarkup(string(e.Definition)),
		})
	}
	return concepts, nil
}
