// Package elements holds the decoded record model: nodes, ways and
// relations grouped into tile blocks, plus the folding operations used to
// layer change blocks onto a base snapshot.
package elements

import (
	"fmt"
	"strings"

	"github.com/wegman-software/osmquadtree-go/internal/quadtree"
)

// ElementType is the kind of a record or of a relation member
type ElementType int

const (
	NodeType ElementType = iota
	WayType
	RelationType
	// Unknown is the reserved fallback for member type codes that are not
	// recognised. It never matches an id set.
	Unknown
)

func (t ElementType) String() string {
	switch t {
	case NodeType:
		return "node"
	case WayType:
		return "way"
	case RelationType:
		return "relation"
	}
	return "unknown"
}

// ParseElementType accepts full names and single letter codes. Anything
// else maps to Unknown rather than failing.
func ParseElementType(s string) ElementType {
	switch strings.ToLower(s) {
	case "node", "n":
		return NodeType
	case "way", "w":
		return WayType
	case "relation", "r":
		return RelationType
	}
	return Unknown
}

// ElementTypeFromCode maps the container's member type code
func ElementTypeFromCode(c uint64) ElementType {
	if c > uint64(RelationType) {
		return Unknown
	}
	return ElementType(c)
}

// ChangeType is the per-record change tag. The numeric values are the ones
// stored in change files.
type ChangeType int

const (
	Normal    ChangeType = iota // not part of a change
	Delete                      // deleted object
	Remove                      // moved out of this tile
	Unchanged                   // moved into this tile from another
	Modify                      // updated object
	Create                      // new object
)

var changeTypeNames = [...]string{"normal", "delete", "remove", "unchanged", "modify", "create"}

// String returns the full lower case name
func (c ChangeType) String() string {
	if c < 0 || int(c) >= len(changeTypeNames) {
		return fmt.Sprintf("changetype(%d)", int(c))
	}
	return changeTypeNames[c]
}

// Keeps reports whether a diff entry with this change type survives
// ApplyChange.
func (c ChangeType) Keeps() bool {
	return c == Normal || c == Unchanged || c == Modify || c == Create
}

// ParseChangeType accepts full names and the n/c/m/d/r/u aliases. The empty
// string is Normal.
func ParseChangeType(s string) (ChangeType, error) {
	switch strings.ToLower(s) {
	case "", "normal", "n":
		return Normal, nil
	case "delete", "d":
		return Delete, nil
	case "remove", "r":
		return Remove, nil
	case "unchanged", "u":
		return Unchanged, nil
	case "modify", "m":
		return Modify, nil
	case "create", "c":
		return Create, nil
	}
	return Normal, fmt.Errorf("unknown changetype %q", s)
}

// Info is the optional metadata attached to a record
type Info struct {
	Version   int64
	Timestamp int64 // unix seconds
	Changeset int64
	UserID    int64
	User      string
}

// Tag is a single key/value pair; record tags keep their stored order
type Tag struct {
	Key string
	Val string
}

// Member is one entry of a relation
type Member struct {
	Type ElementType
	Ref  int64
	Role string
}

// Node is a point record. Coordinates are in 1e-7 degrees.
type Node struct {
	ID         int64
	Info       *Info
	Tags       []Tag
	Lon, Lat   int32
	Quadtree   quadtree.Quadtree
	ChangeType ChangeType
}

// Way is an ordered list of node references
type Way struct {
	ID         int64
	Info       *Info
	Tags       []Tag
	Refs       []int64
	Quadtree   quadtree.Quadtree
	ChangeType ChangeType
}

// Relation is an ordered list of typed members
type Relation struct {
	ID         int64
	Info       *Info
	Tags       []Tag
	Members    []Member
	Quadtree   quadtree.Quadtree
	ChangeType ChangeType
}

// TagValue returns the value for key and whether it was present
func TagValue(tags []Tag, key string) (string, bool) {
	for _, t := range tags {
		if t.Key == key {
			return t.Val, true
		}
	}
	return "", false
}

func (n *Node) String() string {
	return fmt.Sprintf("Node %d [%s] %d tags (%0.7f, %0.7f)",
		n.ID, n.ChangeType, len(n.Tags), quadtree.ToFloat(n.Lon), quadtree.ToFloat(n.Lat))
}

func (w *Way) String() string {
	return fmt.Sprintf("Way %d [%s] %d tags %d refs", w.ID, w.ChangeType, len(w.Tags), len(w.Refs))
}

func (r *Relation) String() string {
	return fmt.Sprintf("Relation %d [%s] %d tags %d members", r.ID, r.ChangeType, len(r.Tags), len(r.Members))
}
