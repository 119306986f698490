package credit

// baseCredits is the provider_name -> base_credits cost matrix, per
// spec.md §3. Costs are illustrative defaults; operators may override
// via internal/config.
var baseCredits = map[string]int64{
	"openai": 10,
	"dezgo":  4,
	"google": 6,
}

const defaultBaseCost = 5

// CreditCost is the pure function credit_cost(provider, ...modifiers)
// from spec.md §3. Each active modifier scales the base cost; the
// modifiers are independent multipliers (chosen as 2x/3x/4x rather than
// additive, to keep mashup+mixup+multiplier strictly monotonic and
// non-ambiguous for the admission check's required/current/shortfall
// reporting).
func CreditCost(provider string, multiplier, mixup, mashup bool) int64 {
	base, ok := baseCredits[provider]
	if !ok {
		base = defaultBaseCost
	}
	cost := base
	if multiplier {
		cost *= 2
	}
	if mixup {
		cost *= 3
	}
	if mashup {
		cost *= 4
	}
	return cost
}

// SetBaseCost allows operators to override a provider's base cost at
// startup (wired from internal/config).
func SetBaseCost(provider string, cost int64) {
	baseCredits[provider] = cost
}
