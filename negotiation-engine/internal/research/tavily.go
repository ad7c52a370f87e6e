package research

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/slashbills/Main/negotiation-engine/internal/models"
	"github.com/slashbills/Main/negotiation-engine/internal/providers"
)

const (
	defaultTavilyURL = "https://api.tavily.com"
	searchPath       = "/search"
	searchDepth      = "advanced"
	maxResults       = 5
)

var (
	pricePattern = regexp.MustCompile(`\$(\d{2,3}(?:\.\d{1,2})?)`)
	minimumRate  = decimal.NewFromInt(20)
)

type TavilyConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
	Catalog    *providers.Catalog
	Logger     zerolog.Logger
	Now        func() time.Time
}

// TavilyClient searches the web for competitor plans and extracts a monthly price from each hit.
type TavilyClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
	catalog *providers.Catalog
	logger  zerolog.Logger
	now     func() time.Time
}

func NewTavilyClient(cfg TavilyConfig) (*TavilyClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tavily api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultTavilyURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = providers.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TavilyClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
		catalog: catalog,
		logger:  cfg.Logger.With().Str("component", "research.tavily").Logger(),
		now:     now,
	}, nil
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

// CompetitorRates returns researched rates sorted ascending. Medical bills and
// providers outside the catalog have no competitors to research.
func (c *TavilyClient) CompetitorRates(ctx context.Context, bill models.Bill) ([]models.CompetitorRate, error) {
	provider, ok := c.catalog.Lookup(bill.Provider)
	if !ok || bill.Category == models.CategoryMedical {
		return nil, nil
	}

	resp, err := c.search(ctx, c.query(provider, bill))
	if err != nil {
		return nil, err
	}

	var rates []models.CompetitorRate
	for _, result := range resp.Results {
		competitor, ok := c.catalog.MatchName(result.Title+" "+result.Content, provider.Category, provider.ID)
		if !ok {
			continue
		}
		rates = append(rates, models.CompetitorRate{
			Provider:      competitor.ID,
			PlanName:      result.Title,
			MonthlyRate:   extractPrice(result.Content),
			ContractTerms: extractContractTerms(result.Content),
			Source:        result.URL,
			ObservedAt:    c.now(),
		})
	}
	sort.SliceStable(rates, func(i, j int) bool { return rates[i].MonthlyRate.LessThan(rates[j].MonthlyRate) })
	c.logger.Debug().Str("provider", provider.ID).Int("results", len(resp.Results)).Int("rates", len(rates)).Msg("competitor research complete")
	return rates, nil
}

func (c *TavilyClient) query(provider providers.Provider, bill models.Bill) string {
	names := make([]string, 0)
	for _, p := range c.catalog.Competitors(provider.ID) {
		names = append(names, p.DisplayName)
	}
	return fmt.Sprintf("%s %s plans %s compare %s %d",
		provider.DisplayName, categoryTerm(bill.Category), bill.CurrentRate.StringFixed(2), strings.Join(names, " "), c.now().Year())
}

func (c *TavilyClient) search(ctx context.Context, query string) (searchResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"query":        query,
		"search_depth": searchDepth,
		"max_results":  maxResults,
		"api_key":      c.apiKey,
	})
	if err != nil {
		return searchResponse{}, fmt.Errorf("tavily marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return searchResponse{}, ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+searchPath, bytes.NewReader(body))
		if err != nil {
			cancel()
			return searchResponse{}, fmt.Errorf("tavily build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			out, decodeErr := decodeSearch(resp)
			resp.Body.Close()
			if decodeErr == nil {
				cancel()
				return out, nil
			}
			lastErr = decodeErr
		}
		cancel()
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return searchResponse{}, fmt.Errorf("tavily search failed: %w", lastErr)
}

func decodeSearch(resp *http.Response) (searchResponse, error) {
	if resp.StatusCode >= 500 {
		return searchResponse{}, fmt.Errorf("tavily unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return searchResponse{}, fmt.Errorf("tavily rejected request: %s", resp.Status)
	}
	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return searchResponse{}, fmt.Errorf("tavily decode response: %w", err)
	}
	return out, nil
}

// extractPrice takes the first dollar amount in content, never less than the minimum rate.
func extractPrice(content string) decimal.Decimal {
	m := pricePattern.FindStringSubmatch(content)
	if m == nil {
		return minimumRate
	}
	price, err := decimal.NewFromString(m[1])
	if err != nil {
		return minimumRate
	}
	return decimal.Max(price, minimumRate)
}

func extractContractTerms(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "no contract"), strings.Contains(lower, "month-to-month"):
		return "Month-to-month"
	case strings.Contains(lower, "contract"), strings.Contains(lower, "term"):
		return "Contract required"
	}
	return ""
}

func categoryTerm(c models.Category) string {
	switch c {
	case models.CategoryCellPhone:
		return "cell phone"
	case models.CategoryInsurance:
		return "insurance"
	}
	return "internet"
}
