package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

var ErrInvalidPoint = errors.New("invalid coordinate")

// Point is a latitude/longitude pair in signed decimal degrees.
type Point struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lng float64 `bson:"lng" json:"lng"`
}

// Unknown is recorded when no fix could be obtained for an action.
var Unknown = Point{}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidPoint, p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidPoint, p.Lng)
	}
	return nil
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Zone is a circular authorized work location.
type Zone struct {
	Name         string  `json:"name"`
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_m"`
}

func (z Zone) Validate() error {
	if err := z.Center.Validate(); err != nil {
		return fmt.Errorf("zone %q center: %w", z.Name, err)
	}
	if !(z.RadiusMeters > 0) {
		return fmt.Errorf("zone %q: radius must be positive, got %v", z.Name, z.RadiusMeters)
	}
	return nil
}

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// IsWithinZone reports whether p lies inside z. The boundary counts as inside.
func IsWithinZone(p Point, z Zone) bool {
	return DistanceMeters(p, z.Center) <= z.RadiusMeters
}
