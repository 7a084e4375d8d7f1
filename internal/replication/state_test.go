package replication

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseState(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantSeq int64
		wantTS  int64
		wantErr bool
	}{
		{
			name: "standard OSM state file",
			input: `#Sat Jan 15 12:00:00 UTC 2024
sequenceNumber=12345
timestamp=2024-01-15T12\:00\:00Z`,
			wantSeq: 12345,
			wantTS:  1705320000,
		},
		{
			name: "state with extra whitespace",
			input: `  # comment
  sequenceNumber = 67890
  timestamp = 2024-01-15T12\:00\:00Z  `,
			wantSeq: 67890,
			wantTS:  1705320000,
		},
		{
			name:    "unescaped timestamp",
			input:   "sequenceNumber=100\ntxnMaxQueried=5\ntimestamp=2024-01-15T12:00:00Z",
			wantSeq: 100,
			wantTS:  1705320000,
		},
		{name: "invalid sequence number", input: "sequenceNumber=abc\ntimestamp=2024-01-01T00:00:00Z", wantErr: true},
		{name: "invalid timestamp", input: "sequenceNumber=100\ntimestamp=invalid", wantErr: true},
		{name: "missing timestamp", input: "sequenceNumber=100", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := ParseState(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if state.Sequence != tt.wantSeq {
				t.Errorf("Sequence = %d, want %d", state.Sequence, tt.wantSeq)
			}
			if state.Timestamp != tt.wantTS {
				t.Errorf("Timestamp = %d, want %d", state.Timestamp, tt.wantTS)
			}
		})
	}
}

func TestWriteStateRoundTrip(t *testing.T) {
	in := &State{Sequence: 6321543, Timestamp: 1705320000}
	var buf bytes.Buffer
	if err := WriteState(&buf, in); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `timestamp=2024-01-15T12\:00\:00Z`) {
		t.Errorf("colons not escaped: %q", buf.String())
	}
	out, err := ParseState(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if *out != *in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestSequenceToPath(t *testing.T) {
	tests := []struct {
		seq  int64
		want string
	}{
		{0, "000/000/000"},
		{999, "000/000/999"},
		{1000, "000/001/000"},
		{123456, "000/123/456"},
		{1234567, "001/234/567"},
		{12345678, "012/345/678"},
	}
	for _, tt := range tests {
		if got := SequenceToPath(tt.seq); got != tt.want {
			t.Errorf("SequenceToPath(%d) = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestPathToSequence(t *testing.T) {
	tests := []struct {
		path    string
		want    int64
		wantErr bool
	}{
		{"000/000/001", 1, false},
		{"001/234/567", 1234567, false},
		{"006/321/543.osc.gz", 6321543, false},
		{"006/321/543.state.txt", 6321543, false},
		{"invalid", 0, true},
		{"000/000", 0, true},
		{"abc/def/ghi", 0, true},
		{"000/1000/000", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := PathToSequence(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("PathToSequence(%q) = %d, want %d", tt.path, got, tt.want)
			}
		})
	}

	for _, seq := range []int64{0, 1, 1000, 123456, 9999999} {
		got, err := PathToSequence(SequenceToPath(seq))
		if err != nil || got != seq {
			t.Errorf("round trip of %d = %d, %v", seq, got, err)
		}
	}
}
