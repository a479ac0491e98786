package models

import "time"

// Ping is a single position report taken from an aircraft trace.
//
// Optional numeric fields are nil when the snapshot did not carry them.
// Optional string fields are empty when unknown.
type Ping struct {
	Timestamp    time.Time
	ICAO         string
	Registration string
	Flight       string
	Latitude     float64
	Longitude    float64
	AltitudeBaro *float64 // feet; nil when unknown or on the ground
	AltitudeGeom *float64 // feet
	GroundSpeed  *float64 // knots
	Track        *float64 // degrees
	VerticalRate *float64 // feet per minute
	AircraftType string
	Description  string
	Operator     string
	Squawk       string
	Category     string
	SourceType   string

	// OnGround is set when the barometric altitude was reported as "ground".
	OnGround bool
	// Rotorcraft is set when the category or type code denotes a helicopter.
	Rotorcraft bool
}

// Date returns the UTC calendar date of the ping.
func (p Ping) Date() Date {
	return DateOf(p.Timestamp)
}
