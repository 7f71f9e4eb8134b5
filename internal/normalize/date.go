// Package normalize converts extracted rows into outbound event messages.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Kyiv must resolve on hosts without zoneinfo.
)

// SourceTimezone is the zone source pages write their dates in.
const SourceTimezone = "Europe/Kyiv"

// staleAfter is how far in the past a yearless date may fall before it is
// assumed to refer to next year.
const staleAfter = 30 * 24 * time.Hour

var months = map[string]time.Month{
	// Ukrainian, genitive and nominative.
	"січня": time.January, "січень": time.January,
	"лютого": time.February, "лютий": time.February,
	"березня": time.March, "березень": time.March,
	"квітня": time.April, "квітень": time.April,
	"травня": time.May, "травень": time.May,
	"червня": time.June, "червень": time.June,
	"липня": time.July, "липень": time.July,
	"серпня": time.August, "серпень": time.August,
	"вересня": time.September, "вересень": time.September,
	"жовтня": time.October, "жовтень": time.October,
	"листопада": time.November, "листопад": time.November,
	"грудня": time.December, "грудень": time.December,
	// Russian genitive.
	"января": time.January, "февраля": time.February, "марта": time.March,
	"апреля": time.April, "мая": time.May, "июня": time.June,
	"июля": time.July, "августа": time.August, "сентября": time.September,
	"октября": time.October, "ноября": time.November, "декабря": time.December,
}

var (
	monthDateRe   = regexp.MustCompile(`(\d{1,2})(?:\s*[-–—]\s*(\d{1,2}))?\s+(\p{L}+)\.?(?:\s+(\d{4}))?`)
	numericDateRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})(?:\.(\d{4}|\d{2}))?(?:\s*[-–—]\s*(\d{1,2})\.(\d{1,2})(?:\.(\d{4}|\d{2}))?)?`)
	timeRe        = regexp.MustCompile(`(\d{1,2}):(\d{2})(?:\s*[-–—]\s*(\d{1,2}):(\d{2}))?`)
	spaces        = strings.NewReplacer("\u00a0", " ", "\u202f", " ", "\u2009", " ")
	zonedLayouts  = []string{time.RFC3339, "2006-01-02T15:04Z07:00"}
	localLayouts  = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}
)

// DateRange is a parsed event time in UTC. To is nil for single instants.
type DateRange struct {
	From time.Time
	To   *time.Time
}

// DateParser resolves source-locale date text relative to the current date in
// the source timezone.
type DateParser struct {
	loc *time.Location
	now func() time.Time
}

// NewDateParser returns a parser for loc. A nil now uses time.Now.
func NewDateParser(loc *time.Location, now func() time.Time) *DateParser {
	if now == nil {
		now = time.Now
	}
	return &DateParser{loc: loc, now: now}
}

// NewSourceDateParser returns a parser for SourceTimezone.
func NewSourceDateParser() (*DateParser, error) {
	loc, err := time.LoadLocation(SourceTimezone)
	if err != nil {
		return nil, err
	}
	return NewDateParser(loc, nil), nil
}

type clock struct {
	h, m int
	set  bool
}

// Parse recognizes ISO timestamps, "15 січня 2025, 19:00" style dates with
// optional day and time ranges, and numeric "15.01[.2025]" dates with
// optional ranges. ok is false when nothing matches.
func (p *DateParser) Parse(text string) (DateRange, bool) {
	s := strings.ToLower(strings.TrimSpace(spaces.Replace(text)))
	if s == "" {
		return DateRange{}, false
	}
	if r, ok := p.parseISO(s); ok {
		return r, true
	}

	today := p.now().In(p.loc)

	var (
		d1, d2   int
		m1, m2   time.Month
		y1, y2   int
		rest     string
		matched  bool
		hasRange bool
	)

	for _, m := range monthDateRe.FindAllStringSubmatchIndex(s, -1) {
		month, ok := months[s[m[6]:m[7]]]
		if !ok {
			continue
		}
		d1 = atoi(s[m[2]:m[3]])
		m1, m2 = month, month
		d2 = d1
		if m[4] >= 0 {
			d2 = atoi(s[m[4]:m[5]])
			hasRange = true
		}
		if m[8] >= 0 {
			y1 = atoi(s[m[8]:m[9]])
			y2 = y1
		}
		rest = s[:m[0]] + " " + s[m[1]:]
		matched = true
		break
	}

	if !matched {
		m := numericDateRe.FindStringSubmatchIndex(s)
		if m == nil {
			return DateRange{}, false
		}
		d1, m1 = atoi(s[m[2]:m[3]]), time.Month(atoi(s[m[4]:m[5]]))
		if m[6] >= 0 {
			y1 = year(s[m[6]:m[7]])
		}
		d2, m2 = d1, m1
		if m[8] >= 0 {
			d2, m2 = atoi(s[m[8]:m[9]]), time.Month(atoi(s[m[10]:m[11]]))
			hasRange = true
			if m[12] >= 0 {
				y2 = year(s[m[12]:m[13]])
			}
		}
		rest = s[:m[0]] + " " + s[m[1]:]
	}

	if !validDay(d1, m1) || !validDay(d2, m2) {
		return DateRange{}, false
	}

	var start, end clock
	if tm := timeRe.FindStringSubmatch(rest); tm != nil {
		start = clock{h: atoi(tm[1]), m: atoi(tm[2]), set: true}
		if tm[3] != "" {
			end = clock{h: atoi(tm[3]), m: atoi(tm[4]), set: true}
		}
		if start.h > 23 || start.m > 59 || end.h > 23 || end.m > 59 {
			start, end = clock{}, clock{}
		}
	}

	switch {
	case y1 == 0 && y2 != 0:
		y1 = y2
		if m1 > m2 {
			y1--
		}
	case y1 == 0:
		y1 = p.impliedYear(today, d1, m1)
	}
	if y2 == 0 {
		y2 = y1
		if m2 < m1 {
			y2 = y1 + 1
		}
	}

	from := time.Date(y1, m1, d1, start.h, start.m, 0, 0, p.loc)
	out := DateRange{From: from.UTC()}

	if hasRange || end.set {
		endClock := start
		if end.set {
			endClock = end
		}
		to := time.Date(y2, m2, d2, endClock.h, endClock.m, 0, 0, p.loc)
		if to.Before(from) {
			to = to.AddDate(0, 0, 1)
		}
		toUTC := to.UTC()
		out.To = &toUTC
	}
	return out, true
}

func (p *DateParser) parseISO(s string) (DateRange, bool) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, strings.ToUpper(s)); err == nil {
			return DateRange{From: t.UTC()}, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
			return DateRange{From: t.UTC()}, true
		}
	}
	return DateRange{}, false
}

// impliedYear picks the current year unless that puts the date more than
// staleAfter in the past, in which case the date belongs to next year.
func (p *DateParser) impliedYear(today time.Time, day int, month time.Month) int {
	y := today.Year()
	candidate := time.Date(y, month, day, 0, 0, 0, 0, p.loc)
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, p.loc)
	if midnight.Sub(candidate) > staleAfter {
		return y + 1
	}
	return y
}

func validDay(d int, m time.Month) bool {
	if m < time.January || m > time.December || d < 1 {
		return false
	}
	// Leap year so 29 February is accepted before the year is known.
	return d <= time.Date(2024, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func year(s string) int {
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
