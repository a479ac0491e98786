// Package geo decides whether a ping lies near a point of interest.
package geo

import (
	"math"

	"adsb_pings/internal/models"
)

const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// EarthRadiusKm is the mean Earth radius in kilometers
	EarthRadiusKm = 6371.0
)

// Point is a WGS84 position in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Valid reports whether the point lies within [-90,90] x [-180,180].
func (p Point) Valid() bool {
	return p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// DistanceKm returns the great-circle distance between two points using
// the haversine formula.
func DistanceKm(from, to Point) float64 {
	lat1 := from.Latitude * DegreesToRadians
	lat2 := to.Latitude * DegreesToRadians
	dLat := (to.Latitude - from.Latitude) * DegreesToRadians
	dLon := (to.Longitude - from.Longitude) * DegreesToRadians

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKm * 2 * math.Asin(math.Sqrt(math.Min(1, a)))
}

// Verdict is the outcome of evaluating a ping against a Filter.
type Verdict int

const (
	Accepted Verdict = iota
	RejectedBox
	RejectedDistance
	RejectedAltitude
	RejectedDate
	RejectedRotorcraft
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedBox:
		return "box"
	case RejectedDistance:
		return "distance"
	case RejectedAltitude:
		return "altitude"
	case RejectedDate:
		return "date"
	case RejectedRotorcraft:
		return "rotorcraft"
	default:
		return "unknown"
	}
}

// Filter selects pings near Center.
//
// The bounding box test runs first and is the only test most pings reach;
// the haversine distance is computed only for pings inside the box.
type Filter struct {
	Center            Point
	BoxRadiusDeg      float64
	MaxDistKm         float64
	MinAltitudeFt     *float64     // nil disables the altitude predicate
	IncludeRotorcraft bool
	Date              *models.Date // nil disables the date predicate
}

// Accept reports whether the ping passes every enabled test.
func (f *Filter) Accept(p *models.Ping) bool {
	return f.Evaluate(p) == Accepted
}

// Evaluate returns the first test the ping fails, or Accepted.
func (f *Filter) Evaluate(p *models.Ping) Verdict {
	if math.Abs(p.Latitude-f.Center.Latitude) > f.BoxRadiusDeg ||
		math.Abs(p.Longitude-f.Center.Longitude) > f.BoxRadiusDeg {
		return RejectedBox
	}
	if DistanceKm(f.Center, Point{Latitude: p.Latitude, Longitude: p.Longitude}) > f.MaxDistKm {
		return RejectedDistance
	}
	if f.MinAltitudeFt != nil {
		// Unknown altitude is usually ground traffic.
		if p.AltitudeBaro == nil || *p.AltitudeBaro < *f.MinAltitudeFt {
			return RejectedAltitude
		}
	}
	if f.Date != nil && !p.Date().Equal(*f.Date) {
		return RejectedDate
	}
	if !f.IncludeRotorcraft && p.Rotorcraft {
		return RejectedRotorcraft
	}
	return Accepted
}

// BoxRadiusFor returns the smallest box half-size in degrees that contains
// every point within distKm of a center at the given latitude. The box
// widens toward the poles and is capped at 180 degrees.
func BoxRadiusFor(distKm, latitude float64) float64 {
	angular := distKm / EarthRadiusKm
	latDeg := angular / DegreesToRadians
	if math.Abs(latitude)+latDeg >= 90 {
		return 180
	}
	s := math.Sin(angular) / math.Cos(latitude*DegreesToRadians)
	if s >= 1 {
		return 180
	}
	lonDeg := math.Asin(s) / DegreesToRadians
	return math.Min(180, math.Max(latDeg, lonDeg))
}
