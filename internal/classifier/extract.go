package classifier

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	isoDateRe      = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	inDurationRe   = regexp.MustCompile(`\bin (\d+|one|two|three|four|five|six|seven|eight|nine|ten) (day|days|week|weeks)\b`)
	weekdayRe      = regexp.MustCompile(`\b(?:on |by |this |next )?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	dayOfMonthRe   = regexp.MustCompile(`\b(?:on|by) the (\d{1,2})(?:st|nd|rd|th)\b`)
	amountBeforeRe = regexp.MustCompile(`(?:\$|€|£|\busd|\beur|\bgbp|\bkes|\bksh)\s?(\d[\d,]*(?:\.\d{1,2})?)`)
	amountAfterRe  = regexp.MustCompile(`\b(\d[\d,]*(?:\.\d{1,2})?)\s?(?:dollars|bucks|usd|euros|eur|pounds|gbp|shillings|kes)\b`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ExtractDate finds the first date phrase in text, resolved against now.
// The result is midnight in now's location, or nil.
func ExtractDate(text string, now time.Time) *time.Time {
	text = strings.ToLower(text)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	at := func(t time.Time) *time.Time { return &t }

	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		t, err := time.ParseInLocation("2006-01-02", m[0], now.Location())
		if err == nil {
			return &t
		}
	}

	switch {
	case strings.Contains(text, "day after tomorrow"):
		return at(today.AddDate(0, 0, 2))
	case strings.Contains(text, "tomorrow"):
		return at(today.AddDate(0, 0, 1))
	case strings.Contains(text, "today"), strings.Contains(text, "tonight"):
		return at(today)
	}

	if m := inDurationRe.FindStringSubmatch(text); m != nil {
		n, ok := numberWords[m[1]]
		if !ok {
			var err error
			if n, err = strconv.Atoi(m[1]); err != nil {
				return nil
			}
		}
		if strings.HasPrefix(m[2], "week") {
			n *= 7
		}
		return at(today.AddDate(0, 0, n))
	}

	if m := weekdayRe.FindStringSubmatch(text); m != nil {
		target := weekdays[m[1]]
		days := (int(target) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return at(today.AddDate(0, 0, days))
	}

	switch {
	case strings.Contains(text, "next week"):
		return at(today.AddDate(0, 0, 7))
	case strings.Contains(text, "end of the month"), strings.Contains(text, "end of this month"):
		firstOfNext := time.Date(today.Year(), today.Month()+1, 1, 0, 0, 0, 0, today.Location())
		return at(firstOfNext.AddDate(0, 0, -1))
	case strings.Contains(text, "next month"):
		return at(today.AddDate(0, 1, 0))
	}

	if m := dayOfMonthRe.FindStringSubmatch(text); m != nil {
		day, err := strconv.Atoi(m[1])
		if err != nil || day < 1 || day > 31 {
			return nil
		}
		t := time.Date(today.Year(), today.Month(), day, 0, 0, 0, 0, today.Location())
		if t.Day() != day || !t.After(today) {
			t = time.Date(today.Year(), today.Month()+1, day, 0, 0, 0, 0, today.Location())
			if t.Day() != day {
				return nil
			}
		}
		return &t
	}

	return nil
}

// ExtractAmount finds the first money amount in text, or nil.
func ExtractAmount(text string) *float64 {
	text = strings.ToLower(text)
	for _, re := range []*regexp.Regexp{amountBeforeRe, amountAfterRe} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil || v <= 0 {
			continue
		}
		return &v
	}
	return nil
}
