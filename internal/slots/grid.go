package slots

import (
	"fmt"
	"iter"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSlotLength is the length of one appointment slot in the default grid
const DefaultSlotLength = 30 * time.Minute

// GridFile is the YAML shape of an availability grid:
//
//	timezone: Europe/Berlin
//	slot_minutes: 30
//	days:
//	  monday:
//	    - start: "09:00"
//	      end: "12:00"
type GridFile struct {
	Timezone    string                  `yaml:"timezone"`
	SlotMinutes int                     `yaml:"slot_minutes"`
	Days        map[string][]WindowFile `yaml:"days"`
}

// WindowFile is one opening window as written in the grid file
type WindowFile struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// window is an opening window in minutes after local midnight
type window struct {
	start int
	end   int
}

// Grid is a recurring weekly availability grid
type Grid struct {
	loc        *time.Location
	slotLength time.Duration
	days       map[time.Weekday][]window
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// DefaultGrid opens Monday to Friday, 09:00 to 17:00, in 30 minute slots
func DefaultGrid(loc *time.Location) *Grid {
	if loc == nil {
		loc = time.UTC
	}
	g := &Grid{
		loc:        loc,
		slotLength: DefaultSlotLength,
		days:       make(map[time.Weekday][]window),
	}
	for d := time.Monday; d <= time.Friday; d++ {
		g.days[d] = []window{{start: 9 * 60, end: 17 * 60}}
	}
	return g
}

// NewGrid builds a grid from weekday windows given as "HH:MM" pairs
func NewGrid(loc *time.Location, slotLength time.Duration, days map[time.Weekday][][2]string) (*Grid, error) {
	if loc == nil {
		loc = time.UTC
	}
	if slotLength < time.Minute || slotLength%time.Minute != 0 {
		return nil, fmt.Errorf("slot length must be a positive whole number of minutes, got %v", slotLength)
	}

	g := &Grid{
		loc:        loc,
		slotLength: slotLength,
		days:       make(map[time.Weekday][]window),
	}
	for day, windows := range days {
		for _, w := range windows {
			start, err := parseClock(w[0])
			if err != nil {
				return nil, fmt.Errorf("parsing %s start: %w", day, err)
			}
			end, err := parseClock(w[1])
			if err != nil {
				return nil, fmt.Errorf("parsing %s end: %w", day, err)
			}
			if end <= start {
				return nil, fmt.Errorf("%s window %s-%s ends before it starts", day, w[0], w[1])
			}
			g.days[day] = append(g.days[day], window{start: start, end: end})
		}
		ws := g.days[day]
		sort.Slice(ws, func(i, j int) bool { return ws[i].start < ws[j].start })
		// Slots must come out once each and in order
		for i := 1; i < len(ws); i++ {
			if ws[i].start < ws[i-1].end {
				return nil, fmt.Errorf("%s windows %s-%s and %s-%s overlap", day,
					formatClock(ws[i-1].start), formatClock(ws[i-1].end), formatClock(ws[i].start), formatClock(ws[i].end))
			}
		}
	}
	return g, nil
}

// ParseGrid parses a YAML grid definition. fallback is used when the file names no timezone.
func ParseGrid(data []byte, fallback *time.Location) (*Grid, error) {
	var file GridFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing grid file: %w", err)
	}

	loc := fallback
	if file.Timezone != "" {
		l, err := time.LoadLocation(file.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", file.Timezone, err)
		}
		loc = l
	}

	slotLength := DefaultSlotLength
	if file.SlotMinutes > 0 {
		slotLength = time.Duration(file.SlotMinutes) * time.Minute
	}

	days := make(map[time.Weekday][][2]string)
	for name, windows := range file.Days {
		day, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", name)
		}
		for _, w := range windows {
			days[day] = append(days[day], [2]string{w.Start, w.End})
		}
	}
	return NewGrid(loc, slotLength, days)
}

// LoadGrid reads a YAML grid definition from disk
func LoadGrid(path string, fallback *time.Location) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading grid file: %w", err)
	}
	return ParseGrid(data, fallback)
}

// Location returns the timezone the grid is defined in
func (g *Grid) Location() *time.Location {
	return g.loc
}

// SlotLength returns the length of one slot
func (g *Grid) SlotLength() time.Duration {
	return g.slotLength
}

// Slots yields every slot start in [from, to) in ascending order
func (g *Grid) Slots(from, to time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		if !from.Before(to) {
			return
		}
		step := int(g.slotLength / time.Minute)
		lf := from.In(g.loc)
		day := time.Date(lf.Year(), lf.Month(), lf.Day(), 0, 0, 0, 0, g.loc)

		for !day.After(to) {
			for _, w := range g.days[day.Weekday()] {
				for m := w.start; m+step <= w.end; m += step {
					t := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, g.loc)
					if t.Before(from) {
						continue
					}
					if !t.Before(to) {
						return
					}
					if !yield(t) {
						return
					}
				}
			}
			day = time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, g.loc)
		}
	}
}

// Contains reports whether t is exactly the start of a slot in the grid
func (g *Grid) Contains(t time.Time) bool {
	lt := t.In(g.loc)
	if lt.Second() != 0 || lt.Nanosecond() != 0 {
		return false
	}
	m := lt.Hour()*60 + lt.Minute()
	step := int(g.slotLength / time.Minute)
	for _, w := range g.days[lt.Weekday()] {
		if m >= w.start && m+step <= w.end && (m-w.start)%step == 0 {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
