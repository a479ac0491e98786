package models

import "strings"

// ADS-B emitter category codes
const (
	CategoryNone        = "A0"
	CategoryLight       = "A1" // < 15500 lbs
	CategorySmall       = "A2" // 15500 to 75000 lbs
	CategoryLarge       = "A3" // 75000 to 300000 lbs
	CategoryHighVortex  = "A4" // B757
	CategoryHeavy       = "A5" // > 300000 lbs
	CategoryHighPerf    = "A6" // > 5g and > 400 kts
	CategoryRotorcraft  = "A7"
	CategoryGlider      = "B1"
	CategoryLighterAir  = "B2"
	CategoryParachutist = "B3"
	CategoryUltralight  = "B4"
	CategoryUAV         = "B6"
	CategorySpace       = "B7"
)

// rotorcraftTypes are ICAO type designators of common helicopters that
// do not always broadcast category A7.
var rotorcraftTypes = map[string]bool{
	// Airbus
	"EC30": true, "EC35": true, "EC45": true, "EC55": true,
	"H135": true, "H145": true, "H160": true, "H175": true,
	"AS50": true, "AS55": true, "AS65": true,
	// Bell
	"B06": true, "B407": true, "B429": true,
	// Robinson
	"R22": true, "R44": true, "R66": true,
	// Sikorsky
	"S76": true, "S92": true,
	// MD Helicopters
	"MD52": true, "MD60": true,
	// Leonardo
	"AW09": true, "AW13": true, "AW16": true, "AW19": true,
}

// IsRotorcraft reports whether a category or type code denotes a helicopter.
func IsRotorcraft(category, typeCode string) bool {
	if strings.EqualFold(category, CategoryRotorcraft) {
		return true
	}
	return rotorcraftTypes[strings.ToUpper(typeCode)]
}
