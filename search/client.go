package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/periscopehq/periscope/llm"
	"github.com/periscopehq/periscope/llm/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Result 表示一条网络搜索结果。
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Config 配置搜索客户端。
type Config struct {
	// Endpoint 即时问答 API 地址（DuckDuckGo 风格的 JSON 接口）
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// MaxResults 单次查询返回的最大结果数
	MaxResults int `json:"max_results" yaml:"max_results"`

	// Timeout 单次请求超时
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RatePerSecond 客户端侧限流（对公共 API 保持礼貌）；0 表示不限流
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`

	// Burst 限流突发额度
	Burst int `json:"burst" yaml:"burst"`

	// Retry 失败重试策略；nil 使用默认策略
	Retry *retry.Policy `json:"-" yaml:"-"`
}

// DefaultConfig 返回合理的默认值。
func DefaultConfig() Config {
	return Config{
		Endpoint:      "https://api.duckduckgo.com/",
		MaxResults:    5,
		Timeout:       15 * time.Second,
		RatePerSecond: 2,
		Burst:         1,
	}
}

// Client 搜索客户端：HTTP GET + 限流 + 重试 + TTL 缓存。
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	retryer    retry.Retryer
	cache      Cache
	group      singleflight.Group
	logger     *zap.Logger
}

// New 创建搜索客户端。cache 为 nil 时不启用缓存。
func New(cfg Config, cache Cache, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultConfig().Endpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultConfig().MaxResults
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	policy := cfg.Retry
	if policy == nil {
		policy = retry.DefaultPolicy()
		policy.InitialDelay = 500 * time.Millisecond
		policy.MaxDelay = 5 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		retryer:    retry.NewBackoffRetryer(policy, logger),
		cache:      cache,
		logger:     logger.With(zap.String("component", "search")),
	}
}

// instantAnswer 是即时问答 API 的响应结构（只取用到的字段）。
type instantAnswer struct {
	Heading       string         `json:"Heading"`
	AbstractText  string         `json:"AbstractText"`
	AbstractURL   string         `json:"AbstractURL"`
	Answer        string         `json:"Answer"`
	RelatedTopics []relatedTopic `json:"RelatedTopics"`
}

type relatedTopic struct {
	Text     string         `json:"Text"`
	FirstURL string         `json:"FirstURL"`
	Topics   []relatedTopic `json:"Topics"` // nested category groups
}

// Search 执行查询。命中缓存直接返回；否则限流 → GET → 解析 → 写缓存。
// 并发的相同查询通过 singleflight 合并为一次上游请求。
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}

	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, query); ok {
			c.logger.Debug("search cache hit", zap.String("query", truncate(query, 60)))
			return cached, nil
		}
	}

	v, err, _ := c.group.Do(cacheKey(query), func() (any, error) {
		return c.searchUpstream(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// searchUpstream 实际命中上游：限流 → 重试 GET → 写缓存。
func (c *Client) searchUpstream(ctx context.Context, query string) ([]Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var results []Result
	err := c.retryer.Do(ctx, func() error {
		var err error
		results, err = c.fetch(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil && len(results) > 0 {
		c.cache.Set(ctx, query, results)
	}
	return results, nil
}

// fetch 执行单次 HTTP GET 并解析结果。
func (c *Client) fetch(ctx context.Context, query string) ([]Result, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: fmt.Sprintf("search request failed: %v", err),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: "search",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, llm.MapHTTPError(resp.StatusCode, fmt.Sprintf("search returned status %d", resp.StatusCode), "search")
	}

	var ia instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ia); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrMalformedResponse, Message: fmt.Sprintf("decode search response: %v", err),
			HTTPStatus: http.StatusBadGateway, Provider: "search",
		}
	}

	results := c.parse(ia)
	c.logger.Debug("search completed",
		zap.String("query", truncate(query, 60)),
		zap.Int("results", len(results)),
		zap.Duration("latency", time.Since(start)))
	return results, nil
}

// parse 将即时问答响应摊平为结果列表，按摘要 → 直接答案 → 相关主题的顺序。
func (c *Client) parse(ia instantAnswer) []Result {
	var results []Result

	if ia.AbstractText != "" {
		results = append(results, Result{Title: ia.Heading, URL: ia.AbstractURL, Snippet: ia.AbstractText})
	}
	if ia.Answer != "" {
		results = append(results, Result{Title: ia.Heading, Snippet: ia.Answer})
	}

	var walk func(topics []relatedTopic)
	walk = func(topics []relatedTopic) {
		for _, t := range topics {
			if len(results) >= c.cfg.MaxResults {
				return
			}
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			if t.Text == "" {
				continue
			}
			results = append(results, Result{Title: topicTitle(t.Text), URL: t.FirstURL, Snippet: t.Text})
		}
	}
	walk(ia.RelatedTopics)

	if len(results) > c.cfg.MaxResults {
		results = results[:c.cfg.MaxResults]
	}
	return results
}

// topicTitle 取相关主题文本的第一个短句作为标题。
func topicTitle(text string) string {
	if i := strings.Index(text, " - "); i > 0 {
		return text[:i]
	}
	return truncate(text, 80)
}

// truncate 将字符串截断到 maxLen 个字节。
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
