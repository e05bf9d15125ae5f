package scoring

import "strings"

// Input carries the fields examined by Score.
type Input struct {
	Prompt   string
	Response string
	Model    string
	Tokens   int
	Errored  bool
}

// Breakdown itemizes the points contributed by each term.
type Breakdown struct {
	PromptLength    int
	ResponseLength  int
	KeywordMatches  int
	KeywordPoints   int
	TokenUsage      int
	ErrorPresent    int
	ModelAdjustment int
}

// Result is a clamped risk score with its diagnostic breakdown.
type Result struct {
	Score     int
	Breakdown Breakdown
}

const (
	promptLengthLimit   = 5000
	responseLengthLimit = 10000
	tokenCountLimit     = 4000

	promptLengthPoints   = 10
	responseLengthPoints = 10
	keywordMatchPoints   = 20
	keywordPointsCap     = 40
	tokenUsagePoints     = 15
	errorPresentPoints   = 25
)

// modelAdjustments maps model families to a small signed score delta.
// First match wins; unrecognized models get 0.
var modelAdjustments = []struct {
	family string
	delta  int
}{
	{"gpt-4", -2},
	{"claude", -2},
	{"gemini", -1},
	{"gpt-3.5", 1},
	{"mistral", 1},
	{"llama", 2},
	{"uncensored", 3},
}

// Score rates one observed call. Pure and deterministic; numeric input
// validation is the caller's concern.
func Score(in Input) Result {
	var b Breakdown
	if len(in.Prompt) > promptLengthLimit {
		b.PromptLength = promptLengthPoints
	}
	if len(in.Response) > responseLengthLimit {
		b.ResponseLength = responseLengthPoints
	}
	b.KeywordMatches = CountKeywordMatches(in.Prompt + "\n" + in.Response)
	b.KeywordPoints = b.KeywordMatches * keywordMatchPoints
	if b.KeywordPoints > keywordPointsCap {
		b.KeywordPoints = keywordPointsCap
	}
	if in.Tokens > tokenCountLimit {
		b.TokenUsage = tokenUsagePoints
	}
	if in.Errored {
		b.ErrorPresent = errorPresentPoints
	}
	b.ModelAdjustment = adjustmentFor(in.Model)

	sum := b.PromptLength + b.ResponseLength + b.KeywordPoints + b.TokenUsage + b.ErrorPresent + b.ModelAdjustment
	return Result{Score: clamp(sum, 0, 100), Breakdown: b}
}

func adjustmentFor(model string) int {
	lowered := strings.ToLower(model)
	for _, adj := range modelAdjustments {
		if strings.Contains(lowered, adj.family) {
			return adj.delta
		}
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
