// Package units provides shared constants and validation for distance units
package units

import "strings"

// Unit constants
const (
	CM = "cm"
	M  = "m"
	IN = "in"
	FT = "ft"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{CM, M, IN, FT}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertDistance converts a distance from centimetres to the target units.
// The device reports and the recorder stores centimetres.
func ConvertDistance(distanceCM float64, targetUnits string) float64 {
	switch targetUnits {
	case M:
		return distanceCM / 100
	case IN:
		return distanceCM / 2.54
	case FT:
		return distanceCM / 30.48
	case CM:
		return distanceCM
	default:
		return distanceCM // default to cm if unknown unit
	}
}
