// Package filter implements the fix acceptance logic: a pure decision
// function over a candidate fix, the last accepted fix and the configured
// thresholds. It also corrects the GPS week rollover firmware defect that
// makes affected receivers report timestamps 1024 weeks in the past.
package filter

import (
	"math"
	"time"

	"github.com/bfabiszewski/ulogger-go/pkg"
)

// GPS week numbers wrap every 1024 weeks. Receivers hit by the defect
// report times from the previous epoch, so anything strictly between the
// first and second rollover boundaries is shifted forward one epoch.
const (
	rolloverEpochShift = 619315200 * time.Second // 1024 weeks
	rolloverWindowLow  = 935193600               // 1999-08-21T00:00:00Z, unix seconds
	rolloverWindowHigh = 1554508800              // 2019-04-06T00:00:00Z, unix seconds
)

// Thresholds hold the configured acceptance gates.
type Thresholds struct {
	MinInterval time.Duration
	MinDistance float64 // meters
	MaxAccuracy float64 // meters
}

// Tolerance is the freshness slack used by provider arbitration:
// min(MinInterval/2, 5 minutes).
func (t Thresholds) Tolerance() time.Duration {
	tol := t.MinInterval / 2
	if tol > 5*time.Minute {
		tol = 5 * time.Minute
	}
	return tol
}

// Reason explains a filter decision.
type Reason string

const (
	ReasonAccepted      Reason = "accepted"
	ReasonTooClose      Reason = "too_close"
	ReasonInaccurate    Reason = "inaccurate"
	ReasonCoarsePending Reason = "coarse_while_gps_fresh"
)

// Decision is the outcome of filtering one candidate fix. RestartProvider
// asks the caller to resubscribe the GPS provider because its reported
// accuracy has degraded; it is a side-effect request, not part of the
// accept/reject value.
type Decision struct {
	Accept          bool
	Reason          Reason
	RestartProvider bool
}

// Normalize applies the rollover correction to the fix timestamp. It is
// idempotent: a corrected timestamp lands outside the rollover window.
func Normalize(f pkg.Fix) pkg.Fix {
	ts := f.Time.Unix()
	if ts > rolloverWindowLow && ts < rolloverWindowHigh {
		f.Time = f.Time.Add(rolloverEpochShift)
	}
	return f
}

// Decide normalizes the candidate and runs the acceptance gates in order,
// short-circuiting on the first failure: distance, accuracy, provider
// arbitration. The returned fix carries the corrected timestamp and must be
// used instead of the raw candidate. Decide is deterministic for fixed
// inputs and holds no state.
func Decide(candidate pkg.Fix, last *pkg.Fix, th Thresholds) (pkg.Fix, Decision) {
	fix := Normalize(candidate)

	if last != nil {
		d := Distance(last.Latitude, last.Longitude, fix.Latitude, fix.Longitude)
		if d < th.MinDistance {
			return fix, Decision{Reason: ReasonTooClose}
		}
	}

	if fix.HasAccuracy() && *fix.Accuracy > th.MaxAccuracy {
		return fix, Decision{
			Reason:          ReasonInaccurate,
			RestartProvider: fix.Provider == pkg.ProviderGPS,
		}
	}

	// Prefer waiting for another high-precision fix over accepting a
	// coarse one while the last GPS fix is still fresh.
	if fix.Provider == pkg.ProviderNetwork && last != nil && last.Provider == pkg.ProviderGPS {
		age := fix.Time.Sub(last.Time)
		if age <= th.MinInterval+th.Tolerance() {
			return fix, Decision{Reason: ReasonCoarsePending}
		}
	}

	return fix, Decision{Accept: true, Reason: ReasonAccepted}
}

// Distance returns the great-circle distance in meters between two points
// using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0

	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}
