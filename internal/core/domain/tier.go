package domain

// Tier is a named class of caller with its own rate budget. The caller
// resolves the tier (session, API key, endpoint class); the limiter only
// consumes it.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	// TierHeavy covers expensive endpoints such as full-corpus NLP runs.
	TierHeavy Tier = "heavy"
)

// KnownTiers lists every tier the platform ships limits for.
var KnownTiers = []Tier{TierAnonymous, TierAuthenticated, TierHeavy}

func (t Tier) Valid() bool {
	for _, k := range KnownTiers {
		if t == k {
			return true
		}
	}
	return false
}
