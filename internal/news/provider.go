package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ksred/klear-broker/internal/types"
)

var (
	ErrNotConfigured = types.Unavailable("NEWS_NOT_CONFIGURED", "NEWS_API_KEY is required")
	ErrUpstream      = types.Unavailable("NEWS_UPSTREAM", "news provider error")
)

// Provider returns the current top headlines
type Provider interface {
	TopHeadlines(ctx context.Context) ([]Article, error)
}

const newsAPIBaseURL = "https://newsapi.org/v2"

// NewsAPIClient reads business headlines from newsapi.org
type NewsAPIClient struct {
	apiKey   string
	country  string
	category string
	baseURL  string
	client   *http.Client
}

func NewNewsAPIClient(apiKey, country, category string, client *http.Client) *NewsAPIClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &NewsAPIClient{
		apiKey:   apiKey,
		country:  country,
		category: category,
		baseURL:  newsAPIBaseURL,
		client:   client,
	}
}

type topHeadlinesResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Articles []struct {
		Title  string `json:"title"`
		URL    string `json:"url"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		PublishedAt time.Time `json:"publishedAt"`
	} `json:"articles"`
}

func (n *NewsAPIClient) TopHeadlines(ctx context.Context) ([]Article, error) {
	if n.apiKey == "" {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("country", n.country)
	q.Set("category", n.category)
	q.Set("apiKey", n.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/top-headlines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build news request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, ErrUpstream.WithMessage("news provider unreachable: %v", err)
	}
	defer resp.Body.Close()

	var body topHeadlinesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, ErrUpstream.WithMessage("invalid news response: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status == "error" {
		return nil, ErrUpstream.WithMessage("news provider error: status %d %s", resp.StatusCode, body.Message)
	}

	articles := make([]Article, 0, len(body.Articles))
	for _, a := range body.Articles {
		articles = append(articles, Article{
			Headline:    a.Title,
			URL:         a.URL,
			Source:      a.Source.Name,
			PublishedAt: a.PublishedAt.UTC(),
		})
	}
	return articles, nil
}
