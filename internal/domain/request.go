package domain

// CallRequest describes a proposed LLM call checked against active
// constraints before admission. Constraint checks may rewrite SystemPrompt
// and append RateCeilings; other fields are read-only to them.
type CallRequest struct {
	ProjectID    string
	Model        string
	Endpoint     string
	UserID       string
	APIKey       string
	RiskScore    *int
	SystemPrompt string
	RateCeilings []RateCeiling
}

// RateCeiling is a per-user request ceiling derived from a rate_limit_user
// action. Ceilings compose with the static admission limit; the lowest wins.
type RateCeiling struct {
	ActionID          string
	RequestsPerMinute int
}

// MinCeiling returns the lowest composed per-minute ceiling, starting from
// the static limit. Zero and negative ceilings are ignored.
func (c CallRequest) MinCeiling(staticLimit int) int {
	limit := staticLimit
	for _, ceiling := range c.RateCeilings {
		if ceiling.RequestsPerMinute <= 0 {
			continue
		}
		if limit <= 0 || ceiling.RequestsPerMinute < limit {
			limit = ceiling.RequestsPerMinute
		}
	}
	return limit
}

// ConstraintViolation identifies the first active constraint a call breaks.
type ConstraintViolation struct {
	ActionID   string
	ActionType string
	Message    string
	Required   string
	Actual     string
}
