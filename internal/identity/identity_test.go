package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod(" 2024/2025 : First ")
	require.NoError(t, err)
	assert.Equal(t, Period{Session: "2024/2025", Semester: "first"}, p)
	assert.Equal(t, "2024/2025:first", p.String())

	for _, bad := range []string{"", "2024/2025", ":first", "2024/2025:"} {
		_, err := ParsePeriod(bad)
		assert.Error(t, err, bad)
	}
}

func TestPeriodShort(t *testing.T) {
	assert.Equal(t, "2425F", Period{Session: "2024/2025", Semester: "first"}.Short())
	assert.Equal(t, "2425S", Period{Session: "2024-2025", Semester: "second"}.Short())
	assert.Equal(t, "242", Period{Session: "2024", Semester: "2"}.Short())
}

func TestGeneratePlain(t *testing.T) {
	p := Period{Session: "2024/2025", Semester: "first"}
	id := Generate("CSC101", p, false)
	assert.Equal(t, "CSC101_Attendance", id.SSID)
	assert.Equal(t, "ESP32_CSC101_2425F", id.AdvertisedID)
}

func TestGenerateIsDeterministic(t *testing.T) {
	p := Period{Session: "2024/2025", Semester: "first"}
	assert.Equal(t, Generate("csc 101", p, true), Generate("CSC101", p, true))
	assert.Equal(t, "CSC101_Attendance_2425F", Generate("CSC101", p, true).SSID)
}

func TestGenerateTruncatesCodeNotSuffix(t *testing.T) {
	p := Period{Session: "2024/2025", Semester: "first"}
	id := Generate(strings.Repeat("A", 40), p, true)
	assert.Len(t, id.SSID, maxSSIDLen)
	assert.True(t, strings.HasSuffix(id.SSID, "_Attendance_2425F"))
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "CSC-101", NormalizeCode(" csc-101!"))
}
