// Package identity derives the WiFi network identity an access point
// advertises while it backs a session. Everything here is pure.
package identity

import (
	"errors"
	"strings"
	"unicode"
)

// maxSSIDLen is the 802.11 SSID limit in bytes.
const maxSSIDLen = 32

// Period is the (academic session, semester) pair scoping enrollments and sessions.
type Period struct {
	Session  string `json:"session" yaml:"session"`
	Semester string `json:"semester" yaml:"semester"`
}

// ParsePeriod accepts "2024/2025:first".
func ParsePeriod(s string) (Period, error) {
	sess, sem, ok := strings.Cut(strings.TrimSpace(s), ":")
	p := Period{Session: strings.TrimSpace(sess), Semester: strings.ToLower(strings.TrimSpace(sem))}
	if !ok || p.Session == "" || p.Semester == "" {
		return Period{}, errors.New("period must look like 2024/2025:first")
	}
	return p, nil
}

func (p Period) String() string { return p.Session + ":" + p.Semester }

func (p Period) IsZero() bool { return p.Session == "" && p.Semester == "" }

// Short compacts the period, e.g. 2024/2025 first -> "2425F".
func (p Period) Short() string {
	var b strings.Builder
	for _, year := range strings.FieldsFunc(p.Session, func(r rune) bool { return !unicode.IsDigit(r) }) {
		if len(year) > 2 {
			year = year[len(year)-2:]
		}
		b.WriteString(year)
	}
	for _, r := range p.Semester {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			break
		}
	}
	return b.String()
}

// Identity is what the access point advertises.
type Identity struct {
	SSID         string `json:"ssid"`
	AdvertisedID string `json:"device_id"`
}

// NormalizeCode upper-cases a course code and strips anything outside [A-Z0-9-].
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Generate returns the identity for a course offering. The plain SSID is
// "{CODE}_Attendance"; disambiguate appends the compact period so two access
// points serving the same course can coexist. The course code is truncated,
// never the suffix, to stay within the SSID limit.
func Generate(courseCode string, p Period, disambiguate bool) Identity {
	code := NormalizeCode(courseCode)
	short := p.Short()

	suffix := "_Attendance"
	if disambiguate && short != "" {
		suffix += "_" + short
	}
	ssidCode := code
	if len(ssidCode)+len(suffix) > maxSSIDLen {
		ssidCode = ssidCode[:maxSSIDLen-len(suffix)]
	}

	adv := "ESP32_" + code
	if short != "" {
		adv += "_" + short
	}
	return Identity{SSID: ssidCode + suffix, AdvertisedID: adv}
}
