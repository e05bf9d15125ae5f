package scoring

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of a call whose producer did
// not report one. Uses the cl100k_base encoding; when the encoder cannot be
// initialized it degrades to a four-characters-per-token heuristic.
func EstimateTokens(prompt, response string) int {
	encoderOnce.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return (len(prompt) + len(response) + 3) / 4
	}
	return len(encoder.Encode(prompt, nil, nil)) + len(encoder.Encode(response, nil, nil))
}
