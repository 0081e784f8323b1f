package tools

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ent0n29/abel/internal/apperr"
)

const NewsToolName = "news"

type NewsConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// News fetches top headlines from NewsAPI.
type News struct {
	cfg NewsConfig
	hc  *http.Client
}

func NewNews(cfg NewsConfig) *News {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &News{cfg: cfg, hc: httpClient(cfg.HTTPClient)}
}

func (n *News) Definition() Definition {
	return Definition{
		Name:        NewsToolName,
		Description: "Latest headlines, optionally filtered by category, country or search term.",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"category": map[string]any{
					"type": "string",
					"enum": []any{"business", "entertainment", "general", "health", "science", "sports", "technology"},
				},
				"country": map[string]any{"type": "string", "pattern": "^[a-z]{2}$"},
				"query":   map[string]any{"type": "string", "maxLength": 200},
				"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			},
		},
	}
}

func (n *News) Probe(context.Context) error {
	if n.cfg.APIKey == "" {
		return apperr.Configuration(NewsToolName, "NEWS_API_KEY")
	}
	return nil
}

type headlinesResponse struct {
	Status   string `json:"status"`
	Articles []struct {
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		PublishedAt string `json:"publishedAt"`
	} `json:"articles"`
}

func (n *News) Run(ctx context.Context, params map[string]any) (map[string]any, error) {
	category, _ := params["category"].(string)
	if category == "" {
		category = "general"
	}
	country, _ := params["country"].(string)
	query, _ := params["query"].(string)
	limit := 5
	if v, ok := params["limit"].(float64); ok {
		limit = int(v)
	}

	q := url.Values{"category": {category}, "pageSize": {strconv.Itoa(limit)}}
	if country != "" {
		q.Set("country", country)
	}
	if query != "" {
		q.Set("q", query)
	}
	if country == "" && query == "" {
		q.Set("country", "us")
	}

	var resp headlinesResponse
	header := http.Header{"X-Api-Key": {n.cfg.APIKey}}
	if err := getJSON(ctx, n.hc, NewsToolName, n.cfg.BaseURL+"/v2/top-headlines", q, header, &resp); err != nil {
		return nil, err
	}

	articles := make([]map[string]any, 0, len(resp.Articles))
	titles := make([]string, 0, 3)
	for i, a := range resp.Articles {
		if i == limit {
			break
		}
		articles = append(articles, map[string]any{
			"title":       a.Title,
			"description": a.Description,
			"source":      a.Source.Name,
			"url":         a.URL,
			"published":   a.PublishedAt,
		})
		if len(titles) < 3 {
			titles = append(titles, a.Title)
		}
	}

	summary := "No articles found."
	if len(titles) > 0 {
		summary = "Latest " + category + " headlines: " + strings.Join(titles, "; ")
	}
	return map[string]any{
		"category": category,
		"count":    len(articles),
		"articles": articles,
		"summary":  summary,
	}, nil
}
