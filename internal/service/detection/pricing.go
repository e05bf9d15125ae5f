package detection

import "strings"

// modelPrices maps model families to USD per 1,000 tokens, blended across
// input and output. First match wins.
var modelPrices = []struct {
	family string
	price  float64
}{
	{"gpt-4o-mini", 0.000375},
	{"gpt-4o", 0.0075},
	{"gpt-4", 0.045},
	{"gpt-3.5", 0.0015},
	{"claude-3-opus", 0.045},
	{"claude-3-5-sonnet", 0.009},
	{"claude", 0.009},
	{"gemini-1.5-pro", 0.00625},
	{"gemini", 0.000375},
	{"mistral", 0.001},
	{"llama", 0.0008},
}

const defaultPricePer1K = 0.002

// estimatedCost converts a token count to an estimated USD cost for model.
func estimatedCost(model string, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	lowered := strings.ToLower(model)
	for _, entry := range modelPrices {
		if strings.Contains(lowered, entry.family) {
			return float64(tokens) / 1000 * entry.price
		}
	}
	return float64(tokens) / 1000 * defaultPricePer1K
}
