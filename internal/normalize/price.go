package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Non-breaking spaces between digit groups are thousands separators.
var thousandsRe = regexp.MustCompile(`(\d)[\x{00a0}\x{202f}](\d{3})`)

// ParsePrice returns the lowest number in a free-text price, which is the
// starting price when a range or several tiers are listed. ok is false when
// the text holds no number ("безкоштовно").
func ParsePrice(text string) (float64, bool) {
	s := thousandsRe.ReplaceAllString(text, "$1$2")
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.':
			return r
		case r == ',':
			return '.'
		default:
			return ' '
		}
	}, s)

	var (
		best  float64
		found bool
	)
	for _, tok := range strings.Fields(s) {
		tok = strings.Trim(tok, ".")
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			continue
		}
		if !found || v < best {
			best, found = v, true
		}
	}
	return best, found
}
