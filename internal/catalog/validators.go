package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"
)

var (
	listingIDRe = regexp2.MustCompile(`^(?:mls\s*(?:listing\s*)?(?:id|#)?\s*[:#]?\s*)?#?(?=[A-Z0-9-]*\d)([A-Z0-9-]{3,20})$`, regexp2.IgnoreCase)
	priceRe     = regexp2.MustCompile(`^\$?\s*(?=\d)([\d,]+(?:\.\d{1,2})?)\s*([km])?$`, regexp2.IgnoreCase)

	dateRe = regexp2.MustCompile(`^(?:(?:this|next|coming)\s+)?(?:`+
		`today|tomorrow|`+
		`(?:mon|tues?|wed(?:nes)?|thu(?:rs?)?|fri|sat(?:ur)?|sun)(?:day)?(?:,?\s+\w+\.?\s+\d{1,2}(?:st|nd|rd|th)?)?|`+
		`(?:jan|feb|mar|apr|may|jun|jul|aug|sept?|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?|`+
		`\d{1,2}[/.-]\d{1,2}(?:[/.-]\d{2,4})?|`+
		`\d{4}-\d{2}-\d{2}`+
		`)$`, regexp2.IgnoreCase)

	timeRangeRe = regexp2.MustCompile(`^(?:from\s+)?(\d{1,2}(?::\d{2})?)\s*([ap]\.?m\.?)?\s*(?:-|–|to|until|till)\s*(\d{1,2}(?::\d{2})?)\s*([ap]\.?m\.?)?$`, regexp2.IgnoreCase)
)

const maxTextLen = 80

// Validators are the named validators a catalog file may reference.
var Validators = map[string]Validator{
	"listing_id": ValidateListingID,
	"date":       ValidateDate,
	"time_range": ValidateTimeRange,
	"price":      ValidatePrice,
	"text":       ValidateText,
}

func ValidateListingID(raw string) (string, error) {
	m, _ := listingIDRe.FindStringMatch(strings.TrimSpace(raw))
	if m == nil {
		return "", errors.New("an MLS listing ID is 3 to 20 letters or digits, for example 12345")
	}
	return strings.ToUpper(m.GroupByNumber(1).String()), nil
}

func ValidateDate(raw string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), ".!")
	if ok, _ := dateRe.MatchString(v); !ok {
		return "", errors.New("I need a date such as \"this Friday\", \"June 15\" or \"6/15\"")
	}
	return v, nil
}

// ValidateTimeRange accepts ranges like "4 PM to 6 PM", "2-4pm" or
// "16:00-18:00" and normalises them to "4 PM - 6 PM".
func ValidateTimeRange(raw string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), ".!")
	m, _ := timeRangeRe.FindStringMatch(v)
	if m == nil {
		return "", errors.New("I need a start and end time such as \"2-4 PM\"")
	}
	start, startMer := m.GroupByNumber(1).String(), meridiem(m.GroupByNumber(2).String())
	end, endMer := m.GroupByNumber(3).String(), meridiem(m.GroupByNumber(4).String())
	if startMer == "" {
		startMer = endMer
	}
	if endMer == "" {
		endMer = startMer
	}
	if startMer == "" && !strings.Contains(start+end, ":") {
		return "", errors.New("please include AM or PM, for example \"2-4 PM\"")
	}
	return clock(start, startMer) + " - " + clock(end, endMer), nil
}

func clock(t, mer string) string {
	if mer == "" {
		return t
	}
	return t + " " + mer
}

func meridiem(s string) string {
	s = strings.ToUpper(strings.ReplaceAll(s, ".", ""))
	return s
}

func ValidatePrice(raw string) (string, error) {
	m, _ := priceRe.FindStringMatch(strings.TrimSpace(raw))
	if m == nil {
		return "", errors.New("I need a price such as $450,000")
	}
	return "$" + m.GroupByNumber(1).String() + strings.ToUpper(m.GroupByNumber(2).String()), nil
}

func ValidateText(raw string) (string, error) {
	v := strings.TrimSpace(raw)
	switch {
	case v == "":
		return "", errors.New("the text can't be empty")
	case len([]rune(v)) > maxTextLen:
		return "", fmt.Errorf("please keep it under %d characters", maxTextLen)
	}
	return v, nil
}
