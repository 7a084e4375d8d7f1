package replication

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/wegman-software/osmquadtree-go/internal/elements"
)

// State is one published replication state
type State struct {
	Sequence  int64
	Timestamp int64 // unix seconds
}

// EndDate renders the timestamp the way file lists store it
func (s State) EndDate() string {
	return elements.FormatTimestamp(s.Timestamp)
}

func (s State) String() string {
	return fmt.Sprintf("sequence %d at %s", s.Sequence, s.EndDate())
}

// ParseState reads an osmosis state file:
//
//	#comment line
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
//
// Unknown keys are ignored. Both keys are required.
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	var haveSeq, haveTS bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number: %w", err)
			}
			state.Sequence, haveSeq = seq, true
		case "timestamp":
			ts, err := elements.ParseTimestamp(value)
			if err != nil {
				return nil, err
			}
			state.Timestamp, haveTS = ts, true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	if !haveSeq || !haveTS {
		return nil, fmt.Errorf("state needs both sequenceNumber and timestamp")
	}
	return state, nil
}

// WriteState writes s in the osmosis format, colons escaped
func WriteState(w io.Writer, s *State) error {
	ts := strings.ReplaceAll(s.EndDate(), ":", `\:`)
	_, err := fmt.Fprintf(w, "# osmquadtree-go replication state\nsequenceNumber=%d\ntimestamp=%s\n", s.Sequence, ts)
	return err
}

// SequenceToPath splits a sequence into the AAA/BBB/CCC server layout,
// so 1234567 becomes 001/234/567
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d", seq/1000000, (seq/1000)%1000, seq%1000)
}

// PathToSequence is the inverse of SequenceToPath. A trailing .osc.gz or
// .state.txt is ignored.
func PathToSequence(path string) (int64, error) {
	path = strings.TrimSuffix(path, ".osc.gz")
	path = strings.TrimSuffix(path, ".state.txt")
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid path format: %s", path)
	}
	var seq int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 || n > 999 {
			return 0, fmt.Errorf("invalid path component %q", part)
		}
		seq = seq*1000 + n
	}
	return seq, nil
}
