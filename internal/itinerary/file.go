package itinerary

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrUnknownTrip is returned by File.Steps for trips missing from the document.
var ErrUnknownTrip = errors.New("unknown trip")

type stepDoc struct {
	ID       string     `yaml:"id" validate:"required"`
	Place    string     `yaml:"place" validate:"required"`
	Activity string     `yaml:"activity"`
	Lat      float64    `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng      float64    `yaml:"lng" validate:"gte=-180,lte=180"`
	Start    *time.Time `yaml:"start"`
	End      *time.Time `yaml:"end"`
}

type tripDoc struct {
	ID    string    `yaml:"id" validate:"required"`
	Steps []stepDoc `yaml:"steps" validate:"dive"`
}

type fileDoc struct {
	Trips []tripDoc `yaml:"trips" validate:"required,dive"`
}

// File is an itinerary source backed by a YAML document:
//
//	trips:
//	  - id: paris-day-1
//	    steps:
//	      - id: louvre
//	        place: Musée du Louvre
//	        activity: museum
//	        lat: 48.8606
//	        lng: 2.3376
//	        start: 2026-10-19T10:00:00+02:00
//	        end: 2026-10-19T12:30:00+02:00
type File struct {
	trips map[string][]Step
	order []string
}

// LoadFile reads and validates an itinerary document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read itinerary %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates an itinerary document.
func Parse(data []byte) (*File, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "decode itinerary")
	}
	v := validator.New()
	if err := v.Struct(doc); err != nil {
		return nil, errors.Wrap(err, "validate itinerary")
	}
	f := &File{trips: make(map[string][]Step, len(doc.Trips))}
	for _, t := range doc.Trips {
		if _, dup := f.trips[t.ID]; dup {
			return nil, errors.Errorf("duplicate trip %q", t.ID)
		}
		steps := make([]Step, 0, len(t.Steps))
		seen := make(map[string]bool, len(t.Steps))
		for _, sd := range t.Steps {
			if seen[sd.ID] {
				return nil, errors.Errorf("trip %q: duplicate step %q", t.ID, sd.ID)
			}
			seen[sd.ID] = true
			st := Step{
				StepID:       sd.ID,
				PlaceName:    sd.Place,
				ActivityType: sd.Activity,
				Lat:          sd.Lat,
				Lng:          sd.Lng,
			}
			if sd.Start != nil {
				st.ScheduledStart = *sd.Start
			}
			if sd.End != nil {
				if sd.Start == nil {
					return nil, errors.Errorf("trip %q step %q: end without start", t.ID, sd.ID)
				}
				if !sd.End.After(*sd.Start) {
					return nil, errors.Errorf("trip %q step %q: end must be after start", t.ID, sd.ID)
				}
				st.ScheduledEnd = *sd.End
			}
			steps = append(steps, st)
		}
		SortByStart(steps)
		f.trips[t.ID] = steps
		f.order = append(f.order, t.ID)
	}
	return f, nil
}

// TripIDs returns the trip ids in document order.
func (f *File) TripIDs() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Steps returns a copy of the trip's steps sorted by scheduled start.
func (f *File) Steps(_ context.Context, tripID string) ([]Step, error) {
	steps, ok := f.trips[tripID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTrip, "trip %q", tripID)
	}
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, nil
}

// SortByStart orders steps by scheduled start, unscheduled steps last.
// The sort is stable so equal starts keep their authored order.
func SortByStart(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.HasStart() != b.HasStart() {
			return a.HasStart()
		}
		return a.ScheduledStart.Before(b.ScheduledStart)
	})
}
