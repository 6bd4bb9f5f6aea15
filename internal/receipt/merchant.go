package receipt

import (
	"regexp"
	"strings"
)

// Only the header of a receipt names the merchant reliably
const merchantScanLines = 30

type merchantRule struct {
	name   string
	strong []*regexp.Regexp
	weak   []*regexp.Regexp
}

var merchantRules = []merchantRule{
	{
		name: "H-E-B",
		strong: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bH[-\s]*E[-\s]*B\b`),
			regexp.MustCompile(`(?i)food[-\s]*drugs`),
		},
		weak: []*regexp.Regexp{
			regexp.MustCompile(`(?i)burnet\s*rd`),
			regexp.MustCompile(`(?i)austin.*\bTX\b`),
		},
	},
	{
		name: "The Home Depot",
		strong: []*regexp.Regexp{
			regexp.MustCompile(`(?i)home\s*depot`),
		},
		weak: []*regexp.Regexp{
			regexp.MustCompile(`\bHD\b`),
			regexp.MustCompile(`\bPRO\b`),
		},
	},
	{
		name: "Restaurant Depot",
		strong: []*regexp.Regexp{
			regexp.MustCompile(`(?i)restaurant\s*depot`),
			regexp.MustCompile(`(?i)\bjetro\b`),
		},
		weak: []*regexp.Regexp{
			regexp.MustCompile(`\bRD#?\d*\b`),
		},
	},
}

// detectMerchant guesses a known merchant from receipt text. A strong match
// scores 2 and a weak one 1; at least 2 points are needed, and ties are
// not resolved.
func detectMerchant(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	if len(lines) > merchantScanLines {
		lines = lines[:merchantScanLines]
	}
	header := strings.Join(lines, "\n")

	best, bestScore, tied := "", 0, false
	for _, rule := range merchantRules {
		score := 0
		for _, re := range rule.strong {
			if re.MatchString(header) {
				score += 2
			}
		}
		for _, re := range rule.weak {
			if re.MatchString(header) {
				score++
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tied = rule.name, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}

	if bestScore < 2 || tied {
		return "", false
	}
	return best, true
}
