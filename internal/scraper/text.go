package scraper

import (
	"strconv"
	"strings"
)

var unicodeReplacer = strings.NewReplacer(
	"\u2009", " ",
	"\u202f", " ",
	"\u00a0", " ",
	"\u2013", "-",
	"\u2014", "--",
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
)

// CleanText folds the typographic spaces and dashes the detail page renders
// into ASCII and trims the result.
func CleanText(s string) string {
	return strings.TrimSpace(unicodeReplacer.Replace(s))
}

// ParseRating reads a rating label such as "4.5" or "4,5".
func ParseRating(label string) (float64, bool) {
	fields := strings.Fields(CleanText(label))
	if len(fields) == 0 {
		return 0, false
	}
	rating, err := strconv.ParseFloat(strings.Replace(fields[0], ",", ".", 1), 64)
	if err != nil || rating < 0 {
		return 0, false
	}
	return rating, true
}

func cleanAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = CleanText(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func optional(s string) *string {
	if s = CleanText(s); s == "" {
		return nil
	}
	return &s
}
