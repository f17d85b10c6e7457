package aperture

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// A Set is every aperture defined for a run, keyed by CCD label then
// aperture label. Fixed before the run starts; the engine never
// mutates it.
type Set map[string]map[string]Aperture

// Load reads an aperture artifact - a JSON file mapping CCD label ->
// aperture label -> aperture - and validates it as a whole: radii,
// and link relations (links must name an existing aperture on the
// same CCD which is not itself linked).
func Load(filename string) (Set, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read apertures %s: %w", filename, err)
	}

	var set Set
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse apertures %s: %w", filename, err)
	}

	// Stamp the map keys into the apertures, so they carry their own names
	for cnam, ccdAps := range set {
		for label, ap := range ccdAps {
			ap.CCD = cnam
			ap.Label = label
			ccdAps[label] = ap
		}
	}

	return set, set.Validate()
}

// Save writes the artifact back out, mostly useful for tests and for
// generating example files.
func (s Set)Save(filename string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal apertures: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("write apertures %s: %w", filename, err)
	}
	return nil
}

func (s Set)Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("aperture artifact defines no apertures")
	}

	for cnam, ccdAps := range s {
		for label, ap := range ccdAps {
			if err := ap.validate(); err != nil {
				return err
			}
			if ap.Link == "" {
				continue
			}
			host, exists := ccdAps[ap.Link]
			if !exists {
				return fmt.Errorf("aperture %s:%s links to '%s', which does not exist on CCD %s",
					cnam, label, ap.Link, cnam)
			}
			if host.Link != "" {
				return fmt.Errorf("aperture %s:%s links to '%s', which is itself linked", cnam, label, ap.Link)
			}
		}
	}
	return nil
}

// CCDs returns the CCD labels in sorted order, so iteration order is
// stable across runs.
func (s Set)CCDs() []string {
	names := []string{}
	for cnam := range s {
		names = append(names, cnam)
	}
	sort.Strings(names)
	return names
}

// Labels returns the aperture labels for one CCD, sorted.
func (s Set)Labels(ccd string) []string {
	labels := []string{}
	for label := range s[ccd] {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}
