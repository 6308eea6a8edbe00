// Package cost prices the remote calls a run makes.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Textract  TextractRate         `yaml:"textract" mapstructure:"textract"`
	Tavily    TavilyRate           `yaml:"tavily" mapstructure:"tavily"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// TextractRate holds Textract AnalyzeDocument pricing per page.
type TextractRate struct {
	// PerPageQueries applies to pages analyzed with the QUERIES feature.
	PerPageQueries float64 `yaml:"per_page_queries" mapstructure:"per_page_queries"`
	// PerPageAdapter applies instead when a custom adapter is attached.
	PerPageAdapter float64 `yaml:"per_page_adapter" mapstructure:"per_page_adapter"`
}

// TavilyRate holds Tavily search pricing.
type TavilyRate struct {
	PerBasicSearch    float64 `yaml:"per_basic_search" mapstructure:"per_basic_search"`
	PerAdvancedSearch float64 `yaml:"per_advanced_search" mapstructure:"per_advanced_search"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost 0.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Textract computes the cost of analyzing pages.
func (c *Calculator) Textract(pages int, withAdapter bool) float64 {
	if pages <= 0 {
		return 0
	}
	rate := c.rates.Textract.PerPageQueries
	if withAdapter {
		rate = c.rates.Textract.PerPageAdapter
	}
	return float64(pages) * rate
}

// TavilySearch returns the flat cost of one search at depth.
func (c *Calculator) TavilySearch(depth string) float64 {
	if depth == "advanced" {
		return c.rates.Tavily.PerAdvancedSearch
	}
	return c.rates.Tavily.PerBasicSearch
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-1-20250805": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Textract: TextractRate{PerPageQueries: 0.015, PerPageAdapter: 0.025},
		Tavily:   TavilyRate{PerBasicSearch: 0.008, PerAdvancedSearch: 0.016},
	}
}
