// Package replication follows an osmosis style replication server and turns
// each published diff into a new change layer of a tile-sorted dataset.
package replication

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Source is a replication server directory
type Source struct {
	Name     string
	BaseURL  string
	Interval time.Duration // how often the server publishes a diff
}

// StateURL is the newest published state
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

// SequenceStateURL is the state published alongside diff seq
func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequenceToPath(seq))
}

// SequenceDataURL is the gzipped osmChange document of diff seq
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequenceToPath(seq))
}

const planetBase = "https://planet.openstreetmap.org/replication/"

var planetSources = map[string]*Source{
	"minute": {Name: "planet-minute", BaseURL: planetBase + "minute", Interval: time.Minute},
	"hour":   {Name: "planet-hour", BaseURL: planetBase + "hour", Interval: time.Hour},
	"day":    {Name: "planet-day", BaseURL: planetBase + "day", Interval: 24 * time.Hour},
}

// Geofabrik extract paths by short region name
var geofabrikRegions = map[string]string{
	"europe":         "europe",
	"germany":        "europe/germany",
	"france":         "europe/france",
	"great-britain":  "europe/great-britain",
	"united-kingdom": "europe/great-britain",
	"netherlands":    "europe/netherlands",
	"switzerland":    "europe/switzerland",
	"monaco":         "europe/monaco",
	"north-america":  "north-america",
	"us":             "north-america/us",
	"canada":         "north-america/canada",
	"south-america":  "south-america",
	"asia":           "asia",
	"japan":          "asia/japan",
	"africa":         "africa",
	"australia":      "australia-oceania/australia",
}

// Geofabrik returns the daily update directory of a Geofabrik extract. An
// unknown region is used as the path itself.
func Geofabrik(region string) *Source {
	region = strings.ToLower(strings.TrimSpace(region))
	path, ok := geofabrikRegions[region]
	if !ok {
		path = region
	}
	return &Source{
		Name:     "geofabrik/" + region,
		BaseURL:  fmt.Sprintf("https://download.geofabrik.de/%s-updates", path),
		Interval: 24 * time.Hour,
	}
}

// ParseSource accepts
//
//	minute, hour, day          planet replication (also planet-minute etc)
//	geofabrik/<region>         Geofabrik daily updates
//	<region>                   a known Geofabrik region
//	http(s)://...              any replication directory
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"planet-", "planet/"} {
		lower = strings.TrimPrefix(lower, prefix)
	}
	if src, ok := planetSources[lower]; ok {
		return src, nil
	}
	switch {
	case strings.HasPrefix(lower, "geofabrik/"):
		return Geofabrik(s[len("geofabrik/"):]), nil
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		return &Source{Name: "custom", BaseURL: strings.TrimSuffix(s, "/"), Interval: time.Hour}, nil
	}
	if _, ok := geofabrikRegions[lower]; ok {
		return Geofabrik(lower), nil
	}
	return nil, fmt.Errorf("unknown replication source: %s", s)
}

// ListSources names the predefined sources
func ListSources() []string {
	out := []string{"minute", "hour", "day"}
	regions := make([]string, 0, len(geofabrikRegions))
	for r := range geofabrikRegions {
		regions = append(regions, "geofabrik/"+r)
	}
	slices.Sort(regions)
	return append(out, regions...)
}
