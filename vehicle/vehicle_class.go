// Package vehicle provides vehicle-related types and utilities.
package vehicle

// Class represents the vehicle classification a trip is booked for.
type Class string

const (
	ClassAmbulatory Class = "ambulatory" // Sedans and minivans, rider walks unassisted
	ClassWheelchair Class = "wheelchair" // Ramp or lift equipped vans
	ClassStretcher  Class = "stretcher"  // Gurney vans, two-person crew
)

// ParseClass returns the class for s, or ClassAmbulatory when s is unknown.
func ParseClass(s string) Class {
	c := Class(s)
	if c.IsValid() {
		return c
	}
	return ClassAmbulatory
}

// IsValid checks if the vehicle class is valid.
func (c Class) IsValid() bool {
	switch c {
	case ClassAmbulatory, ClassWheelchair, ClassStretcher:
		return true
	}
	return false
}

// String returns the string representation of the vehicle class.
func (c Class) String() string {
	return string(c)
}

// PrepBufferMinutes is the time a driver needs at the vehicle before
// departing, on top of travel time. Securement equipment takes longer.
func (c Class) PrepBufferMinutes() int {
	switch c {
	case ClassWheelchair:
		return 15
	case ClassStretcher:
		return 20
	default:
		return 10
	}
}

// Hierarchy returns the capability level (higher = can carry more).
func (c Class) Hierarchy() int {
	switch c {
	case ClassAmbulatory:
		return 1
	case ClassWheelchair:
		return 2
	case ClassStretcher:
		return 3
	default:
		return 0
	}
}

// CanFulfill checks if a vehicle of this class can serve a trip booked for target.
// A wheelchair van can carry an ambulatory rider; a sedan cannot carry a wheelchair.
func (c Class) CanFulfill(target Class) bool {
	if !c.IsValid() || !target.IsValid() {
		return false
	}
	if c == target {
		return true
	}
	// Stretcher vans are reserved for stretcher trips.
	if c == ClassStretcher {
		return false
	}
	return c.Hierarchy() > target.Hierarchy()
}
