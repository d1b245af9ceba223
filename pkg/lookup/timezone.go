package lookup

import (
	"fmt"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/ringsaturn/tzf"
)

// TimezoneFinder maps coordinates to IANA zones offline
type TimezoneFinder struct {
	finder tzf.F
	now    func() time.Time
}

// NewTimezoneFinder loads the embedded polygon index
func NewTimezoneFinder() (*TimezoneFinder, error) {
	finder, err := tzf.NewDefaultFinder()
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone index: %w", err)
	}
	return &TimezoneFinder{finder: finder, now: time.Now}, nil
}

// WithClock overrides the instant at which offsets are evaluated
func (f *TimezoneFinder) WithClock(now func() time.Time) *TimezoneFinder {
	f.now = now
	return f
}

// ZoneName returns the IANA zone at the coordinates, or "" over open water
func (f *TimezoneFinder) ZoneName(lat, lng float64) string {
	return f.finder.GetTimezoneName(lng, lat)
}

// UTCOffset returns the current offset of the zone at the coordinates as
// "+HHMM". ok is false when no zone covers the point.
func (f *TimezoneFinder) UTCOffset(lat, lng float64) (string, bool) {
	name := f.ZoneName(lat, lng)
	if name == "" {
		return "", false
	}
	return ZoneOffset(name, f.now())
}

// ZoneOffset formats the offset of a named zone at instant t
func ZoneOffset(zone string, t time.Time) (string, bool) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return "", false
	}
	return t.In(loc).Format("-0700"), true
}
