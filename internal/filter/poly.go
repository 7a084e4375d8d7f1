package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// Polygon is an area filter made of outer rings with optional holes.
// Coordinates are held in degrees.
type Polygon struct {
	Name  string
	shape orb.MultiPolygon
	box   quadtree.Bbox
}

// NewPolygon builds a polygon from outer rings and holes. Each hole is
// attached to the first outer ring containing its first vertex; rings are
// closed if needed.
func NewPolygon(name string, outers, holes []orb.Ring) (*Polygon, error) {
	if len(outers) == 0 {
		return nil, fmt.Errorf("%w: polygon %q has no outer ring", ErrBadFilter, name)
	}
	p := &Polygon{Name: name, box: quadtree.Empty()}
	for _, r := range outers {
		r, err := closeRing(r)
		if err != nil {
			return nil, err
		}
		p.shape = append(p.shape, orb.Polygon{r})
		b := r.Bound()
		p.box.Expand(quadtree.FromDegrees(b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()))
	}
	for _, h := range holes {
		h, err := closeRing(h)
		if err != nil {
			return nil, err
		}
		attached := false
		for i := range p.shape {
			if planar.RingContains(p.shape[i][0], h[0]) {
				p.shape[i] = append(p.shape[i], h)
				attached = true
				break
			}
		}
		if !attached {
			return nil, fmt.Errorf("%w: hole in polygon %q lies outside every outer ring", ErrBadFilter, name)
		}
	}
	return p, nil
}

func closeRing(r orb.Ring) (orb.Ring, error) {
	if len(r) < 3 {
		return nil, fmt.Errorf("%w: ring needs at least 3 vertices, has %d", ErrBadFilter, len(r))
	}
	if !r.Closed() {
		r = append(r[:len(r):len(r)], r[0])
	}
	return r, nil
}

// Contains tests a point given in fixed point units
func (p *Polygon) Contains(lon, lat int32) bool {
	if !p.box.Contains(lon, lat) {
		return false
	}
	return planar.MultiPolygonContains(p.shape, orb.Point{quadtree.ToFloat(lon), quadtree.ToFloat(lat)})
}

// Bounds returns the smallest box covering every outer ring
func (p *Polygon) Bounds() quadtree.Bbox { return p.box }

// NumRings returns the outer ring and hole counts
func (p *Polygon) NumRings() (outers, holes int) {
	for _, pg := range p.shape {
		outers++
		holes += len(pg) - 1
	}
	return outers, holes
}

func (p *Polygon) String() string {
	o, h := p.NumRings()
	return fmt.Sprintf("polygon %q: %d rings, %d holes %s", p.Name, o, h, p.box)
}

// LoadPoly reads an osmosis polygon filter file
func LoadPoly(path string) (*Polygon, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open poly file: %w", err)
	}
	defer f.Close()
	return ParsePoly(f)
}

// ParsePoly parses the osmosis polygon format: a name line, then sections
// each made of a label line, one "lon lat" pair per line and END. Sections
// whose label starts with ! are holes. A final END closes the file.
func ParsePoly(r io.Reader) (*Polygon, error) {
	scan := bufio.NewScanner(r)
	var (
		name          string
		outers, holes []orb.Ring
		cur           orb.Ring
		label         string
		inRing        bool
		lineNo        int
	)
	for scan.Scan() {
		lineNo++
		ln := strings.TrimSpace(scan.Text())
		switch {
		case lineNo == 1:
			name = ln
		case ln == "":
		case inRing && ln == "END":
			inRing = false
			if strings.HasPrefix(label, "!") {
				holes = append(holes, cur)
			} else {
				outers = append(outers, cur)
			}
			cur = nil
		case inRing:
			xy := strings.Fields(ln)
			if len(xy) != 2 {
				return nil, fmt.Errorf("%w: line %d: expected two numbers, got %q", ErrBadFilter, lineNo, ln)
			}
			x, err := strconv.ParseFloat(xy[0], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrBadFilter, lineNo, err)
			}
			y, err := strconv.ParseFloat(xy[1], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrBadFilter, lineNo, err)
			}
			cur = append(cur, orb.Point{x, y})
		case ln == "END":
		default:
			label = ln
			inRing = true
		}
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	if inRing {
		return nil, fmt.Errorf("%w: section %q is not terminated", ErrBadFilter, label)
	}
	return NewPolygon(name, outers, holes)
}
