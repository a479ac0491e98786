package models

// Aircraft holds the per-aircraft metadata carried in the header of a
// readsb trace file. All fields are optional in the source data and are
// left empty when absent.
type Aircraft struct {
	ICAO         string // 6 hex digit ICAO address, lower case
	Registration string // Aircraft registration (e.g., N12345), "r"
	TypeCode     string // ICAO aircraft type designator (e.g., B738), "t"
	Description  string // Long type description, "desc"
	Operator     string // Owner/operator name, "ownOp"
	Year         string // Year built, "year"
}
