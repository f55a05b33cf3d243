package geospatial

import (
	"fmt"
	"math"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

// onEdgeTolerance is the distance in meters under which a point counts as
// lying on a polygon edge.
const onEdgeTolerance = 1e-3

// ValidateShape returns an error wrapping domain.ErrMalformedZone when the
// shape cannot be evaluated.
func ValidateShape(s domain.Shape) error {
	switch s.Kind {
	case domain.ShapeCircle:
		if !s.Center.Valid() {
			return malformed("circle center %v out of range", s.Center)
		}
		if !(s.RadiusMeters > 0) || math.IsInf(s.RadiusMeters, 0) {
			return malformed("circle radius %v must be positive", s.RadiusMeters)
		}
	case domain.ShapePolygon:
		if len(s.Vertices) < 3 {
			return malformed("polygon needs at least 3 vertices, got %d", len(s.Vertices))
		}
		return validateVertices(s.Vertices)
	case domain.ShapeRectangle:
		if len(s.Vertices) != 4 {
			return malformed("rectangle needs exactly 4 vertices, got %d", len(s.Vertices))
		}
		return validateVertices(s.Vertices)
	default:
		return malformed("unknown shape kind %q", s.Kind)
	}
	return nil
}

func validateVertices(vs []domain.GeoPoint) error {
	for i, v := range vs {
		if !v.Valid() {
			return malformed("vertex %d %v out of range", i, v)
		}
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{domain.ErrMalformedZone}, args...)...)
}

// Contains reports whether p is inside the shape. Boundaries are inclusive:
// a point exactly on the circle or on a polygon edge is inside.
func Contains(s domain.Shape, p domain.GeoPoint) (bool, error) {
	if err := ValidateShape(s); err != nil {
		return false, err
	}
	if s.Kind == domain.ShapeCircle {
		return withinRadius(s.Center, p, s.RadiusMeters), nil
	}
	pts := project(s.Vertices, p)
	if edgeDistance(pts) <= onEdgeTolerance {
		return true, nil
	}
	return rayCast(pts), nil
}

// SignedDistance is the distance in meters from p to the shape boundary,
// negative when p is inside.
func SignedDistance(s domain.Shape, p domain.GeoPoint) (float64, error) {
	if err := ValidateShape(s); err != nil {
		return 0, err
	}
	if s.Kind == domain.ShapeCircle {
		return Distance(s.Center, p) - s.RadiusMeters, nil
	}
	pts := project(s.Vertices, p)
	d := edgeDistance(pts)
	if rayCast(pts) {
		return -d, nil
	}
	return d, nil
}

// WithinExitRegion reports whether p is still inside the shape grown by
// bufferMeters. A sample is outside the exit region only when this is false,
// so the exit boundary is strict while the enter boundary is inclusive.
func WithinExitRegion(s domain.Shape, p domain.GeoPoint, bufferMeters float64) (bool, error) {
	if err := ValidateShape(s); err != nil {
		return false, err
	}
	if s.Kind == domain.ShapeCircle {
		return withinRadius(s.Center, p, s.RadiusMeters+bufferMeters), nil
	}
	pts := project(s.Vertices, p)
	if rayCast(pts) {
		return true, nil
	}
	return edgeDistance(pts) <= math.Max(bufferMeters, onEdgeTolerance), nil
}

// Padding applied to the bounding box pre-check. The box uses a flat degree
// length and a straight longitude span; the pad covers both errors for
// circles up to maxBoxRadius.
const (
	boxPad       = 1.05
	maxBoxRadius = 100_000.0
)

// withinRadius reports whether p lies within meters of c. Points outside a
// padded bounding box are rejected without the haversine.
func withinRadius(c, p domain.GeoPoint, meters float64) bool {
	if meters <= maxBoxRadius {
		b := BoundingBox(c.Lat, c.Lon, meters*boxPad+1)
		// The box does not wrap the poles or the antimeridian.
		if b.MinLat > -90 && b.MaxLat < 90 && b.MinLon >= -180 && b.MaxLon <= 180 && !b.Contains(p) {
			return false
		}
	}
	return Distance(c, p) <= meters
}

// Centroid is the circle center, or the vertex mean for polygons.
func Centroid(s domain.Shape) domain.GeoPoint {
	if s.Kind == domain.ShapeCircle || len(s.Vertices) == 0 {
		return s.Center
	}
	var lat, x, y float64
	for _, v := range s.Vertices {
		lat += v.Lat
		x += math.Cos(toRad(v.Lon))
		y += math.Sin(toRad(v.Lon))
	}
	n := float64(len(s.Vertices))
	return domain.GeoPoint{Lat: lat / n, Lon: toDeg(math.Atan2(y, x))}
}

type xy struct{ x, y float64 }

// project maps vertices to a local equirectangular plane in meters centred on
// origin. Longitudes are unwrapped around the first vertex so zones
// straddling the antimeridian stay contiguous.
func project(vs []domain.GeoPoint, origin domain.GeoPoint) []xy {
	k := earthRadiusMeters * math.Pi / 180
	cosLat := math.Cos(toRad(origin.Lat))
	base := vs[0].Lon
	originLon := base + normalizeLon(origin.Lon-base)
	out := make([]xy, len(vs))
	for i, v := range vs {
		lon := base + normalizeLon(v.Lon-base)
		out[i] = xy{x: (lon - originLon) * cosLat * k, y: (v.Lat - origin.Lat) * k}
	}
	return out
}

// rayCast runs the even-odd test for the origin against the projected ring.
func rayCast(pts []xy) bool {
	inside := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		a, b := pts[i], pts[j]
		if (a.y > 0) != (b.y > 0) {
			x := a.x + (0-a.y)*(b.x-a.x)/(b.y-a.y)
			if x > 0 {
				inside = !inside
			}
		}
	}
	return inside
}

// edgeDistance is the distance from the origin to the nearest ring edge.
func edgeDistance(pts []xy) float64 {
	best := math.Inf(1)
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		if d := segmentDistance(pts[j], pts[i]); d < best {
			best = d
		}
	}
	return best
}

func segmentDistance(a, b xy) float64 {
	dx, dy := b.x-a.x, b.y-a.y
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = math.Max(0, math.Min(1, -(a.x*dx+a.y*dy)/lenSq))
	}
	return math.Hypot(a.x+t*dx, a.y+t*dy)
}
