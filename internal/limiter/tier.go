package limiter

import "strings"

// Tier classifies a caller and selects which numeric limit applies.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// ParseTier maps a raw tier value onto the closed set of tiers. Anything
// unrecognized (including empty) is standard; callers never see an error
// for a malformed tier.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierPremium:
		return TierPremium
	default:
		return TierStandard
	}
}

func (t Tier) String() string {
	return string(t)
}
