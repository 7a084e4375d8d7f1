package replication

import (
	"slices"
	"strings"
	"testing"
	"time"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		input        string
		wantName     string
		wantBaseURL  string
		wantInterval time.Duration
		wantErr      bool
	}{
		{"minute", "planet-minute", "https://planet.openstreetmap.org/replication/minute", time.Minute, false},
		{"planet-hour", "planet-hour", "https://planet.openstreetmap.org/replication/hour", time.Hour, false},
		{"Planet/Day", "planet-day", "https://planet.openstreetmap.org/replication/day", 24 * time.Hour, false},
		{"geofabrik/monaco", "geofabrik/monaco", "https://download.geofabrik.de/europe/monaco-updates", 24 * time.Hour, false},
		{"geofabrik/europe/andorra", "geofabrik/europe/andorra", "https://download.geofabrik.de/europe/andorra-updates", 24 * time.Hour, false},
		{"japan", "geofabrik/japan", "https://download.geofabrik.de/asia/japan-updates", 24 * time.Hour, false},
		{"https://example.com/replication/", "custom", "https://example.com/replication", time.Hour, false},
		{"unknown-source-xyz", "", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			source, err := ParseSource(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if source.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", source.Name, tt.wantName)
			}
			if source.BaseURL != tt.wantBaseURL {
				t.Errorf("BaseURL = %q, want %q", source.BaseURL, tt.wantBaseURL)
			}
			if source.Interval != tt.wantInterval {
				t.Errorf("Interval = %v, want %v", source.Interval, tt.wantInterval)
			}
		})
	}
}

func TestSourceURLs(t *testing.T) {
	source, err := ParseSource("minute")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		got, want string
	}{
		{source.StateURL(), "https://planet.openstreetmap.org/replication/minute/state.txt"},
		{source.SequenceStateURL(1234567), "https://planet.openstreetmap.org/replication/minute/001/234/567.state.txt"},
		{source.SequenceDataURL(1234567), "https://planet.openstreetmap.org/replication/minute/001/234/567.osc.gz"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestListSources(t *testing.T) {
	sources := ListSources()
	if !slices.Contains(sources, "minute") {
		t.Error("ListSources() should include minute")
	}
	if !slices.Contains(sources, "geofabrik/monaco") {
		t.Error("ListSources() should include geofabrik/monaco")
	}
	if !slices.IsSortedFunc(sources[3:], strings.Compare) {
		t.Error("geofabrik regions should be sorted")
	}
}
