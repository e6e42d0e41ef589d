// Package geofence decides whether a reported position is close enough to a
// location to admit an attendance transition.
//
// Distance is the haversine great-circle distance over a spherical Earth with
// mean radius 6,371 km. Admission radii are tens to low hundreds of metres,
// where the spherical error is far below GPS noise.
package geofence

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by Distance.
const EarthRadiusMeters = 6_371_000.0

// ErrInvalidCoordinates is returned for out-of-range or non-finite input.
var ErrInvalidCoordinates = errors.New("invalid coordinates")

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks ranges: latitude in [-90, 90], longitude in [-180, 180].
func (p Point) Validate() error {
	if !finite(p.Latitude) || !finite(p.Longitude) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidCoordinates)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinates, p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinates, p.Longitude)
	}
	return nil
}

// Verdict is the outcome of a fence check. Outside the fence is a normal
// result, not an error.
type Verdict struct {
	DistanceMeters float64
	RadiusMeters   float64
	Within         bool
}

// Distance returns the great-circle distance in metres between a and b.
func Distance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return haversine(a, b), nil
}

// Check measures the distance from position to center and compares it with
// radius. A point exactly on the radius is inside.
func Check(position, center Point, radiusMeters float64) (Verdict, error) {
	if !finite(radiusMeters) || radiusMeters < 0 {
		return Verdict{}, fmt.Errorf("geofence: invalid radius %v", radiusMeters)
	}
	d, err := Distance(position, center)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{
		DistanceMeters: d,
		RadiusMeters:   radiusMeters,
		Within:         d <= radiusMeters,
	}, nil
}

// Validator binds a configured admission radius.
type Validator struct {
	radius float64
}

func NewValidator(radiusMeters float64) (*Validator, error) {
	if !finite(radiusMeters) || radiusMeters <= 0 {
		return nil, fmt.Errorf("geofence radius must be positive, got %v", radiusMeters)
	}
	return &Validator{radius: radiusMeters}, nil
}

func (v *Validator) Radius() float64 { return v.radius }

func (v *Validator) Check(position, center Point) (Verdict, error) {
	return Check(position, center, v.radius)
}

func haversine(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// rounding can push h a hair above 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
