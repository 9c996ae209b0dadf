package recorder

import (
	"bufio"
	"encoding/json"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/silab-bonn/irradgo/beam"
	"github.com/silab-bonn/irradgo/scan"
)

// Loaded is a session reconstructed from disk.  Cells holds the last
// snapshot seen per grid position, which carries the final accumulated
// fluence even for a partial log.
type Loaded struct {
	Meta     Metadata
	Readings []beam.Reading
	Cells    map[[2]int]scan.Cell
	States   []StateRecord

	// Truncated reports that the log ended mid-record, as a crashed
	// session's log does; everything before the tear is intact
	Truncated bool
}

// CellFluence returns the reconstructed accumulated fluence at a grid
// position
func (l *Loaded) CellFluence(row, col int) float64 {
	return l.Cells[[2]int{row, col}].Accumulated
}

// Load replays a session from its base name.  Partial logs load without
// error; only the metadata document is required to exist.
func Load(base string) (*Loaded, error) {
	buf, err := os.ReadFile(base + ".yaml")
	if err != nil {
		return nil, err
	}
	out := &Loaded{Cells: make(map[[2]int]scan.Cell)}
	if err := yaml.Unmarshal(buf, &out.Meta); err != nil {
		return nil, err
	}

	f, err := os.Open(base + ".jsonl")
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// a torn trailing line is expected after a crash
			out.Truncated = true
			break
		}
		switch rec.Kind {
		case "reading":
			if rec.Reading != nil {
				out.Readings = append(out.Readings, *rec.Reading)
			}
		case "cell":
			if rec.Cell != nil {
				out.Cells[[2]int{rec.Cell.Row, rec.Cell.Col}] = *rec.Cell
			}
		case "state":
			if rec.State != nil {
				out.States = append(out.States, *rec.State)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
