// Package filter selects the records needed for a spatial extract: the
// nodes inside an area, the ways touching it together with their outside
// nodes, and the relations with a selected member.
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

var ErrBadFilter = errors.New("bad filter")

// Kind is the shape of a filter
type Kind int

const (
	None Kind = iota
	Box
	Poly
)

func (k Kind) String() string {
	switch k {
	case Box:
		return "box"
	case Poly:
		return "poly"
	}
	return "none"
}

// Spec is a parsed filter: nothing, a box in fixed point units, or a
// polygon
type Spec struct {
	Kind    Kind
	Box     quadtree.Bbox
	Polygon *Polygon
}

// NoFilter selects everything
func NoFilter() Spec { return Spec{Kind: None} }

// BoxFilter selects a box
func BoxFilter(b quadtree.Bbox) Spec { return Spec{Kind: Box, Box: b} }

// PolyFilter selects a polygon
func PolyFilter(p *Polygon) Spec { return Spec{Kind: Poly, Polygon: p} }

// ParseSpec reads a filter argument:
//
//	""  none  planet        no filtering
//	path.poly               osmosis polygon file
//	minlon,minlat,maxlon,maxlat
//	                        box in 1e-7 degree integers
//	deg:minlon,minlat,maxlon,maxlat
//	                        box in degrees
//
// The result is validated.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	var spec Spec
	switch {
	case s == "" || s == "none" || s == "planet":
		return NoFilter(), nil
	case strings.HasSuffix(s, ".poly"):
		p, err := LoadPoly(s)
		if err != nil {
			return Spec{}, err
		}
		spec = PolyFilter(p)
	case strings.HasPrefix(s, "deg:"):
		v, err := parseFour(strings.TrimPrefix(s, "deg:"), func(f string) (float64, error) {
			return strconv.ParseFloat(f, 64)
		})
		if err != nil {
			return Spec{}, err
		}
		spec = BoxFilter(quadtree.FromDegrees(v[0], v[1], v[2], v[3]))
	default:
		v, err := parseFour(s, func(f string) (int64, error) {
			return strconv.ParseInt(f, 10, 32)
		})
		if err != nil {
			return Spec{}, err
		}
		spec = BoxFilter(quadtree.Bbox{MinLon: int32(v[0]), MinLat: int32(v[1]), MaxLon: int32(v[2]), MaxLat: int32(v[3])})
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func parseFour[N int64 | float64](s string, parse func(string) (N, error)) ([4]N, error) {
	var out [4]N
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, fmt.Errorf("%w: box needs 4 comma separated values, got %d", ErrBadFilter, len(parts))
	}
	for i, p := range parts {
		v, err := parse(strings.TrimSpace(p))
		if err != nil {
			return out, fmt.Errorf("%w: %q: %v", ErrBadFilter, p, err)
		}
		out[i] = v
	}
	return out, nil
}

// Validate checks the shape before any data is read
func (s Spec) Validate() error {
	switch s.Kind {
	case None:
		return nil
	case Box:
		if s.Box.IsEmpty() {
			return fmt.Errorf("%w: box %d,%d,%d,%d is inverted", ErrBadFilter,
				s.Box.MinLon, s.Box.MinLat, s.Box.MaxLon, s.Box.MaxLat)
		}
		if !s.Box.IsValid() {
			return fmt.Errorf("%w: box %s is outside the valid range", ErrBadFilter, s.Box)
		}
		return nil
	case Poly:
		if s.Polygon == nil {
			return fmt.Errorf("%w: missing polygon", ErrBadFilter)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %d", ErrBadFilter, int(s.Kind))
}

// IsWholeWorld reports whether the filter keeps everything, either because
// there is none or because the box covers quadtree.WholeWorld
func (s Spec) IsWholeWorld() bool {
	switch s.Kind {
	case None:
		return true
	case Box:
		return s.Box.IsPlanet()
	}
	return false
}

// Bounds returns the box covering the filter area
func (s Spec) Bounds() quadtree.Bbox {
	switch s.Kind {
	case Box:
		return s.Box
	case Poly:
		return s.Polygon.Bounds()
	}
	return quadtree.Planet()
}

// ContainsPoint tests a location in fixed point units
func (s Spec) ContainsPoint(lon, lat int32) bool {
	switch s.Kind {
	case Box:
		return s.Box.Contains(lon, lat)
	case Poly:
		return s.Polygon.Contains(lon, lat)
	}
	return true
}

// IntersectsBox reports whether a box may hold selected points. Polygons
// are tested by their bounds only.
func (s Spec) IntersectsBox(b quadtree.Bbox) bool {
	return s.Bounds().Intersects(b)
}

func (s Spec) String() string {
	switch s.Kind {
	case Box:
		return "box " + s.Box.String()
	case Poly:
		return s.Polygon.String()
	}
	return "none"
}
