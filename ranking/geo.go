package ranking

import "math"

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Coordinates is the canonical location type used by the ranker.
type Coordinates struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Valid reports whether both components are finite and inside the degree ranges.
func (c Coordinates) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// DistanceKm returns the haversine distance between a and b in kilometers.
// Callers validate the inputs; coincident points yield exactly 0.
func DistanceKm(a, b Coordinates) float64 {
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(radians(a.Latitude))*math.Cos(radians(b.Latitude))*sinLon*sinLon
	// rounding can push h just outside [0,1] for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// GeoPoint is the location shape accepted at the API and storage boundaries.
// Clients send either {lat,lng} or the legacy {latitude,longitude}.
type GeoPoint struct {
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Coordinates normalizes the point. The canonical pair wins over the legacy pair;
// nil means neither pair is complete and valid.
func (g GeoPoint) Coordinates() *Coordinates {
	if c, ok := pair(g.Lat, g.Lng); ok {
		return &c
	}
	if c, ok := pair(g.Latitude, g.Longitude); ok {
		return &c
	}
	return nil
}

func pair(lat, lng *float64) (Coordinates, bool) {
	if lat == nil || lng == nil {
		return Coordinates{}, false
	}
	c := Coordinates{Latitude: *lat, Longitude: *lng}
	return c, c.Valid()
}

// NewGeoPoint builds the canonical wire shape for c.
func NewGeoPoint(c Coordinates) GeoPoint {
	lat, lng := c.Latitude, c.Longitude
	return GeoPoint{Lat: &lat, Lng: &lng}
}
