package verify

import (
	"regexp"
	"strconv"
	"strings"
)

// LookupPage is the parsed view of a reverse-lookup result page. The
// verifier consumes only this struct; raw HTML never leaves the parser.
type LookupPage struct {
	// Text is the lowercased visible text of the page.
	Text string
	// Age extracted from the page, 0 when absent.
	Age int
	// Carrier string when the page names one.
	Carrier string
	// PhoneType in {mobile, landline, voip}, empty when undetected.
	PhoneType string
	// City and State as the page shows them, empty when undetected.
	City  string
	State string
}

var stateNames = []string{
	"alabama", "alaska", "arizona", "arkansas", "california", "colorado",
	"connecticut", "delaware", "florida", "georgia", "hawaii", "idaho",
	"illinois", "indiana", "iowa", "kansas", "kentucky", "louisiana",
	"maine", "maryland", "massachusetts", "michigan", "minnesota",
	"mississippi", "missouri", "montana", "nebraska", "nevada",
	"new hampshire", "new jersey", "new mexico", "new york",
	"north carolina", "north dakota", "ohio", "oklahoma", "oregon",
	"pennsylvania", "rhode island", "south carolina", "south dakota",
	"tennessee", "texas", "utah", "vermont", "virginia", "washington",
	"west virginia", "wisconsin", "wyoming",
}

var (
	tagRe     = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]*>`)
	spaceRe   = regexp.MustCompile(`\s+`)
	ageRe     = regexp.MustCompile(`(?i)\bage[:\s]*(\d{1,3})\b`)
	carrierRe = regexp.MustCompile(`(?i)carrier[:\s]*([a-z0-9][a-z0-9 &.\-]{1,40})`)
	// "city, state" with a full state name; pages list locations this way.
	locationRe = regexp.MustCompile(`\b([a-z][a-z .'\-]{1,30}?),\s+(` + strings.Join(stateNames, "|") + `)\b`)
)

// ParseLookupPage strips markup and pulls the side-channel fields out of a
// reverse-lookup page. It is deliberately tolerant: a page it cannot make
// sense of just yields an empty-ish LookupPage, never an error.
func ParseLookupPage(html string) LookupPage {
	text := tagRe.ReplaceAllString(html, " ")
	text = spaceRe.ReplaceAllString(text, " ")
	text = strings.ToLower(strings.TrimSpace(text))

	page := LookupPage{Text: text}

	if m := ageRe.FindStringSubmatch(text); m != nil {
		if age, err := strconv.Atoi(m[1]); err == nil && age > 0 && age < 120 {
			page.Age = age
		}
	}
	if m := carrierRe.FindStringSubmatch(text); m != nil {
		page.Carrier = strings.TrimSpace(m[1])
	}
	if m := locationRe.FindStringSubmatch(text); m != nil {
		page.City = trimCity(m[1])
		page.State = m[2]
	}
	page.PhoneType = detectPhoneType(text)
	return page
}

// trimCity cuts the loose location capture down to a plausible city: at most
// the last two words, with a leading preposition dropped ("lives in austin").
func trimCity(raw string) string {
	words := strings.Fields(strings.TrimSpace(raw))
	if len(words) > 2 {
		words = words[len(words)-2:]
	}
	if len(words) == 2 {
		switch words[0] {
		case "in", "of", "at", "near", "from":
			words = words[1:]
		}
	}
	return strings.Join(words, " ")
}

func detectPhoneType(text string) string {
	switch {
	case strings.Contains(text, "voip"):
		return "voip"
	case strings.Contains(text, "landline"):
		return "landline"
	case strings.Contains(text, "mobile"), strings.Contains(text, "wireless"), strings.Contains(text, "cell phone"):
		return "mobile"
	}
	return ""
}
