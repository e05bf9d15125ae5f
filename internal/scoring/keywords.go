package scoring

import (
	"regexp"
	"strings"
)

// sensitiveKeywords is the fixed list matched with word boundaries across
// prompt and response text. Grouped by concern; order does not matter.
var sensitiveKeywords = []string{
	// security / exploit
	"exploit",
	"malware",
	"ransomware",
	"rootkit",
	"keylogger",
	"backdoor",
	"zero-day",
	"sql injection",
	"phishing",
	"botnet",
	"privilege escalation",
	"bypass authentication",
	// self-harm / violence
	"suicide",
	"self-harm",
	"kill myself",
	"overdose",
	"pipe bomb",
	"explosive device",
	"mass shooting",
	// fraud
	"money laundering",
	"counterfeit",
	"ponzi",
	"credit card fraud",
	"identity theft",
	"wire fraud",
	// privacy violation
	"doxx",
	"social security number",
	"stalk",
	"wiretap",
	"hidden camera",
	// discriminatory speech
	"racial slur",
	"hate speech",
	"ethnic cleansing",
	"genocide",
}

var keywordPattern = regexp.MustCompile(`(?i)\b(?:` + strings.Join(escapeAll(sensitiveKeywords), "|") + `)\b`)

// CountKeywordMatches counts sensitive-keyword occurrences in text using
// word-boundary matching. Every occurrence counts, including repeats.
func CountKeywordMatches(text string) int {
	if text == "" {
		return 0
	}
	return len(keywordPattern.FindAllStringIndex(text, -1))
}

func escapeAll(words []string) []string {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	return escaped
}
