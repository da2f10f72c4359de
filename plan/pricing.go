package plan

// ModelPrice holds per-million-token USD pricing for a generator model.
type ModelPrice struct {
	InUSDPerMillion  float64
	OutUSDPerMillion float64
}

// pricingTable maps model identifiers to their token pricing. Models not
// listed here cost zero; callers should log the miss.
var pricingTable = map[string]ModelPrice{
	"gpt-4o":                    {InUSDPerMillion: 2.50, OutUSDPerMillion: 10.00},
	"gpt-4o-mini":               {InUSDPerMillion: 0.15, OutUSDPerMillion: 0.60},
	"claude-sonnet-4-20250514":  {InUSDPerMillion: 3.00, OutUSDPerMillion: 15.00},
	"claude-3-5-haiku-20241022": {InUSDPerMillion: 0.80, OutUSDPerMillion: 4.00},
}

// PriceFor returns the pricing row for a model and whether it is known.
func PriceFor(model string) (ModelPrice, bool) {
	p, ok := pricingTable[model]
	return p, ok
}

// CostEstimate computes the USD cost for a token count pair. Unknown models
// estimate to zero.
func CostEstimate(model string, inTokens, outTokens int) float64 {
	p, ok := pricingTable[model]
	if !ok {
		return 0
	}
	return p.InUSDPerMillion*float64(inTokens)/1e6 + p.OutUSDPerMillion*float64(outTokens)/1e6
}
