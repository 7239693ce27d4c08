package inference

// USD per million tokens.
type modelPricing struct {
	input  float64
	output float64
}

var geminiPricing = map[string]modelPricing{
	"gemini-3-pro-preview":  {input: 2.00, output: 12.00},
	"gemini-2.5-pro":        {input: 1.25, output: 10.00},
	"gemini-2.5-flash":      {input: 0.30, output: 2.50},
	"gemini-2.5-flash-lite": {input: 0.10, output: 0.40},
	"gemini-2.0-flash":      {input: 0.10, output: 0.40},
}

// fallback for unlisted models, matches the cheapest tier
var defaultPricing = modelPricing{input: 0.10, output: 0.40}

// EstimateCost converts a token count into an approximate USD cost for
// the given model. Informational only, used for the persisted metadata.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	pricing, ok := geminiPricing[model]
	if !ok {
		pricing = defaultPricing
	}
	return float64(inputTokens)/1_000_000*pricing.input +
		float64(outputTokens)/1_000_000*pricing.output
}
