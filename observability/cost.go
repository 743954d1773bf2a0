package observability

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// ModelPrice 模型价格
type ModelPrice struct {
	Model       string
	PriceInput  float64 // USD per 1K tokens
	PriceOutput float64 // USD per 1K tokens
}

// CostCalculator 成本计算器
type CostCalculator struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewCostCalculator 创建成本计算器
func NewCostCalculator() *CostCalculator {
	c := &CostCalculator{prices: make(map[string]ModelPrice)}
	c.loadDefaultPrices()
	return c
}

// loadDefaultPrices 加载默认价格（可通过 SetPrice 覆盖）
func (c *CostCalculator) loadDefaultPrices() {
	defaults := []ModelPrice{
		{Model: "gpt-4o", PriceInput: 0.005, PriceOutput: 0.015},
		{Model: "gpt-4o-mini", PriceInput: 0.00015, PriceOutput: 0.0006},
		{Model: "gpt-4-turbo", PriceInput: 0.01, PriceOutput: 0.03},
		{Model: "gpt-3.5-turbo", PriceInput: 0.0005, PriceOutput: 0.0015},
		{Model: "claude-3-5-sonnet-20241022", PriceInput: 0.003, PriceOutput: 0.015},
		{Model: "claude-3-haiku-20240307", PriceInput: 0.00025, PriceOutput: 0.00125},
		{Model: "gemini-1.5-pro", PriceInput: 0.00125, PriceOutput: 0.005},
		{Model: "gemini-1.5-flash", PriceInput: 0.000075, PriceOutput: 0.0003},
	}
	for _, p := range defaults {
		c.prices[p.Model] = p
	}
}

// SetPrice 设置模型价格
func (c *CostCalculator) SetPrice(model string, priceInput, priceOutput float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[model] = ModelPrice{Model: model, PriceInput: priceInput, PriceOutput: priceOutput}
}

// GetPrice 获取模型价格；未知模型返回 false。
func (c *CostCalculator) GetPrice(model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[model]
	return p, ok
}

// Calculate 根据 token 用量计算成本（USD）；未知模型返回 0。
// 带版本后缀的模型名（如 gpt-4o-2024-08-06）按前缀匹配价格表。
func (c *CostCalculator) Calculate(model string, usage TokenUsage) float64 {
	p, ok := c.GetPrice(model)
	if !ok {
		p, ok = c.matchPrefix(model)
	}
	if !ok {
		return 0
	}
	return float64(usage.Prompt)/1000*p.PriceInput + float64(usage.Completion)/1000*p.PriceOutput
}

// matchPrefix 前缀匹配价格表，取最长命中。
func (c *CostCalculator) matchPrefix(model string) (ModelPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best ModelPrice
	found := false
	for known, p := range c.prices {
		if strings.HasPrefix(model, known) && (!found || len(known) > len(best.Model)) {
			best = p
			found = true
		}
	}
	return best, found
}

// EstimateTokens 在上游未返回用量时用 tiktoken 估算 token 数。
// 未收录的模型回退到 cl100k_base 编码。
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// 最后的粗略回退：按 4 字符一个 token 估算
			return (len(text) + 3) / 4
		}
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage 为一次 prompt/completion 往返估算用量。
func EstimateUsage(model, prompt, completion string) TokenUsage {
	p := EstimateTokens(model, prompt)
	c := EstimateTokens(model, completion)
	return TokenUsage{Prompt: p, Completion: c, Total: p + c}
}
