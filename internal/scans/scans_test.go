package scans

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		q       Query
		wantErr bool
	}{
		{"window", WindowQuery("acct_1", nil, 30, testNow), false},
		{"open ended", Query{AccountID: "acct_1"}, false},
		{"max window", WindowQuery("acct_1", nil, MaxWindowDays, testNow), false},
		{"missing account", Query{Since: testNow}, true},
		{"blank account", Query{AccountID: "  "}, true},
		{"bad product", Query{AccountID: "a", ProductID: iptr(0)}, true},
		{"inverted", Query{AccountID: "a", Since: testNow, Until: testNow.Add(-time.Hour)}, true},
		{"too wide", Query{AccountID: "a", Since: testNow.AddDate(-2, 0, 0), Until: testNow}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.q.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilter)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWindowQuery_IncludesNow(t *testing.T) {
	q := WindowQuery("acct_1", nil, 1, testNow)
	code := &QRCode{QRKey: "k", AccountID: "acct_1"}
	assert.True(t, q.Matches(code, &ScanEvent{QRKey: "k", OccurredAt: testNow}))
	assert.True(t, q.Matches(code, &ScanEvent{QRKey: "k", OccurredAt: testNow.Add(-24 * time.Hour)}))
	assert.False(t, q.Matches(code, &ScanEvent{QRKey: "k", OccurredAt: testNow.Add(-25 * time.Hour)}))
	assert.False(t, q.Matches(&QRCode{QRKey: "k", AccountID: "other"}, &ScanEvent{QRKey: "k", OccurredAt: testNow}))
}

func TestLocation_Helpers(t *testing.T) {
	var nilLoc *Location
	assert.False(t, nilLoc.HasCoordinates())
	assert.Equal(t, "", nilLoc.String())

	loc := &Location{City: "Lagos", Country: "NG", Latitude: fptr(6.5)}
	assert.False(t, loc.HasCoordinates())
	assert.Equal(t, "Lagos, NG", loc.String())
	assert.Equal(t, "Lagos||NG", loc.Key())

	ev := &ScanEvent{Location: loc, SecurityFlags: []string{"x"}}
	cp := ev.Clone()
	*cp.Location.Latitude = 0
	cp.SecurityFlags[0] = "y"
	assert.Equal(t, 6.5, *ev.Location.Latitude)
	assert.Equal(t, "x", ev.SecurityFlags[0])
}

func TestAnonymizer(t *testing.T) {
	var off *Anonymizer
	assert.Equal(t, "1.2.3.4", off.Anonymize("1.2.3.4"))
	assert.Equal(t, "1.2.3.4", NewAnonymizer("").Anonymize("1.2.3.4"))

	a := NewAnonymizer("secret")
	h1 := a.Anonymize("1.2.3.4")
	assert.Equal(t, h1, a.Anonymize("1.2.3.4"))
	assert.NotEqual(t, h1, a.Anonymize("1.2.3.5"))
	assert.NotEqual(t, h1, NewAnonymizer("other").Anonymize("1.2.3.4"))
	assert.Len(t, h1, len("iph_")+32)
	assert.Equal(t, "", a.Anonymize(""))
}
