package stage

import (
	"os"
	"sync"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// TravelLog tracks cumulative and interval travel per axis so the lead
// screws can be serviced on schedule.  It persists itself as YAML in the
// daemon's config directory.
type TravelLog struct {
	mu   sync.Mutex
	path string

	// MaintenanceInterval is the service interval in millimeters of travel
	MaintenanceInterval float64 `yaml:"maintenance_interval"`

	// Total is the lifetime travel per axis in millimeters
	Total map[string]float64 `yaml:"total_travel"`

	// Interval is the travel per axis since the last service
	Interval map[string]float64 `yaml:"interval_travel"`

	LastUpdate string `yaml:"last_update"`
}

// NewTravelLog returns an empty log persisted at path
func NewTravelLog(path string, maintenanceInterval float64) *TravelLog {
	return &TravelLog{
		path:                path,
		MaintenanceInterval: maintenanceInterval,
		Total:               map[string]float64{"x": 0, "y": 0},
		Interval:            map[string]float64{"x": 0, "y": 0},
	}
}

// LoadTravelLog reads a previously saved log; a missing file yields a
// fresh log rather than an error
func LoadTravelLog(path string, maintenanceInterval float64) (*TravelLog, error) {
	tl := NewTravelLog(path, maintenanceInterval)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return tl, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(buf, tl); err != nil {
		return nil, err
	}
	tl.path = path
	if tl.MaintenanceInterval == 0 {
		tl.MaintenanceInterval = maintenanceInterval
	}
	return tl, nil
}

// Add records mm of travel on an axis.  It reports true when the axis
// crossed the maintenance interval, resetting the interval counter.
func (t *TravelLog) Add(axis string, mm float64) bool {
	if mm < 0 {
		mm = -mm
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Total[axis] += mm
	t.Interval[axis] += mm
	t.LastUpdate = time.Now().Format(time.RFC3339)
	if t.MaintenanceInterval > 0 && t.Interval[axis] >= t.MaintenanceInterval {
		t.Interval[axis] = 0
		return true
	}
	return false
}

// Save writes the log to its backing file
func (t *TravelLog) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf, err := yaml.Marshal(t)
	if err != nil {
		return err
	}
	return os.WriteFile(t.path, buf, 0644)
}
