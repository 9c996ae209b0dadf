// Package calib loads and serves the proportionality-constant (lambda)
// and hardness-factor (kappa) calibration tables, plus the SEM monitor
// constants, from their YAML file.
//
// A Registry is an immutable snapshot: switching calibration mid-session
// means loading a fresh Registry and atomically installing it on the
// signal converter, never editing records in place.
package calib

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/silab-bonn/irradgo/fault"
)

// Record is a single calibration entry.  Nominal and Sigma are required;
// everything else is descriptive metadata carried through untouched.
type Record struct {
	// ID is the key of the record within its set
	ID string

	// Nominal is the calibration constant
	Nominal float64

	// Sigma is the one-sigma uncertainty on Nominal
	Sigma float64

	// Device is the monitor or DUT the record was measured with
	Device string

	// Particle describes the beam species and energy, e.g. "proton 14 MeV"
	Particle string

	// ValidFrom is the measurement date of the record
	ValidFrom time.Time

	// Extra holds any descriptive fields present in the file beyond the
	// ones above; they are passed through for bookkeeping and persisted
	// with the session metadata
	Extra map[string]interface{}
}

// Set is a named group of records with a designated default
type Set struct {
	// Default is the id selected when no explicit id is requested
	Default string

	// All maps record id to record
	All map[string]Record
}

// IDs returns the record ids of the set in sorted order
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s.All))
	for id := range s.All {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry is an immutable snapshot of every calibration set in the file
type Registry struct {
	sets map[string]Set
}

// raw decode targets; pointers distinguish "missing" from zero
type rawRecord map[string]interface{}

type rawSet struct {
	Default string               `yaml:"default"`
	All     map[string]rawRecord `yaml:"all"`
}

// Load reads a calibration YAML document from r and validates it.
// It returns a *fault.ConfigError when a set's default id is absent from
// its all mapping, or when a record is missing nominal or sigma, or when
// either is not a number.
func Load(r io.Reader) (*Registry, error) {
	raw := map[string]rawSet{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, &fault.ConfigError{Op: "calib.Load", Detail: fmt.Sprintf("malformed YAML: %v", err)}
	}
	reg := &Registry{sets: make(map[string]Set, len(raw))}
	for name, rs := range raw {
		set := Set{Default: rs.Default, All: make(map[string]Record, len(rs.All))}
		for id, rr := range rs.All {
			rec, err := buildRecord(name, id, rr)
			if err != nil {
				return nil, err
			}
			set.All[id] = rec
		}
		if _, ok := set.All[set.Default]; !ok {
			return nil, &fault.ConfigError{
				Op:     "calib.Load",
				Detail: fmt.Sprintf("set %q: default id %q not present in all", name, set.Default),
			}
		}
		reg.sets[name] = set
	}
	return reg, nil
}

// LoadFile is Load on the contents of path
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &fault.ConfigError{Op: "calib.LoadFile", Detail: err.Error()}
	}
	defer f.Close()
	return Load(f)
}

func buildRecord(set, id string, rr rawRecord) (Record, error) {
	rec := Record{ID: id, Extra: map[string]interface{}{}}
	nom, ok := popNumber(rr, "nominal")
	if !ok {
		return rec, &fault.ConfigError{
			Op:     "calib.Load",
			Detail: fmt.Sprintf("set %q record %q: nominal missing or not a number", set, id),
		}
	}
	sig, ok := popNumber(rr, "sigma")
	if !ok {
		return rec, &fault.ConfigError{
			Op:     "calib.Load",
			Detail: fmt.Sprintf("set %q record %q: sigma missing or not a number", set, id),
		}
	}
	rec.Nominal = nom
	rec.Sigma = sig
	for k, v := range rr {
		switch k {
		case "device":
			if s, ok := v.(string); ok {
				rec.Device = s
				continue
			}
		case "particle":
			if s, ok := v.(string); ok {
				rec.Particle = s
				continue
			}
		case "valid_from":
			if ts, ok := v.(time.Time); ok {
				rec.ValidFrom = ts
				continue
			}
		}
		rec.Extra[k] = normalize(v)
	}
	return rec, nil
}

// normalize rewrites yaml.v2's interface-keyed nested mappings into
// string-keyed maps so Extra survives JSON encoding on the HTTP surface
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, e := range t {
			t[i] = normalize(e)
		}
	}
	return v
}

// popNumber extracts a numeric field from the raw record, deleting it so
// the remainder lands in Extra
func popNumber(rr rawRecord, key string) (float64, bool) {
	v, ok := rr[key]
	if !ok {
		return 0, false
	}
	delete(rr, key)
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// Select returns the record with the given id from the named set, or the
// set's default record when id is empty.  Unknown sets or ids yield a
// *fault.LookupError.
func (r *Registry) Select(set, id string) (Record, error) {
	s, ok := r.sets[set]
	if !ok {
		return Record{}, &fault.LookupError{Kind: "calibration set", Key: set}
	}
	if id == "" {
		id = s.Default
	}
	rec, ok := s.All[id]
	if !ok {
		return Record{}, &fault.LookupError{Kind: "calibration record", Key: set + "/" + id}
	}
	return rec, nil
}

// Set returns the named set.  The returned value is a copy of the map
// header; the registry itself is never mutated after Load.
func (r *Registry) Set(name string) (Set, error) {
	s, ok := r.sets[name]
	if !ok {
		return Set{}, &fault.LookupError{Kind: "calibration set", Key: name}
	}
	return s, nil
}

// Sets returns the set names in sorted order
func (r *Registry) Sets() []string {
	names := make([]string, 0, len(r.sets))
	for n := range r.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
