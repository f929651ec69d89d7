// Package phase tracks which step of a workflow track each worktree is on.
//
// A track is a static, ordered phase map. Recording phase N means phase N
// is where the worktree stands; its next command is the entry command of
// phase N+1, and nil at the terminal phase. Tracks never intermix: once a
// worktree records a phase from one track, only that track's keys are
// accepted for it.
package phase

import (
	"fmt"
	"sort"
)

// Track names a phase map.
type Track string

const (
	TrackLegacy      Track = "legacy"
	TrackStreamlined Track = "streamlined"
)

// Phase is one entry of a phase map.
type Phase struct {
	Key     string `json:"key"`
	Number  int    `json:"number"`
	Name    string `json:"name"`
	Command string `json:"command"`
}

// Map is the ordered phase list of one track.
type Map struct {
	Track  Track   `json:"track"`
	Phases []Phase `json:"phases"`
}

var legacyMap = Map{
	Track: TrackLegacy,
	Phases: []Phase{
		{Key: "specify", Number: 1, Name: "Specify", Command: "/specify"},
		{Key: "plan", Number: 2, Name: "Plan", Command: "/plan"},
		{Key: "tasks", Number: 3, Name: "Tasks", Command: "/tasks"},
		{Key: "implement", Number: 4, Name: "Implement", Command: "/implement"},
		{Key: "quality", Number: 5, Name: "Quality Gates", Command: "/quality"},
		{Key: "integrate", Number: 6, Name: "Integrate", Command: "/integrate"},
		{Key: "release", Number: 7, Name: "Release", Command: "/release"},
	},
}

var streamlinedMap = Map{
	Track: TrackStreamlined,
	Phases: []Phase{
		{Key: "init", Number: 1, Name: "Initialize", Command: "/init"},
		{Key: "develop", Number: 2, Name: "Develop", Command: "/develop"},
		{Key: "review", Number: 3, Name: "Review", Command: "/review"},
		{Key: "ship", Number: 4, Name: "Ship", Command: "/ship"},
	},
}

// Tracks returns every phase map, legacy first.
func Tracks() []Map {
	return []Map{legacyMap, streamlinedMap}
}

// MapFor returns the phase map for t.
func MapFor(t Track) (Map, error) {
	for _, m := range Tracks() {
		if m.Track == t {
			return m, nil
		}
	}
	return Map{}, fmt.Errorf("phase: unknown track %q (allowed: %s, %s)", t, TrackLegacy, TrackStreamlined)
}

// Lookup finds a phase by key.
func (m Map) Lookup(key string) (Phase, bool) {
	for _, p := range m.Phases {
		if p.Key == key {
			return p, true
		}
	}
	return Phase{}, false
}

// First returns phase 1.
func (m Map) First() Phase {
	return m.Phases[0]
}

// Terminal reports whether number is the last phase of the track.
func (m Map) Terminal(number int) bool {
	return number == len(m.Phases)
}

// NextCommand returns the entry command of the phase after number, or nil
// when number is the terminal phase. Phase 0 means "nothing recorded yet".
func (m Map) NextCommand(number int) *string {
	if number < 0 || number >= len(m.Phases) {
		return nil
	}
	cmd := m.Phases[number].Command
	return &cmd
}

// Keys returns the phase keys in order.
func (m Map) Keys() []string {
	keys := make([]string, len(m.Phases))
	for i, p := range m.Phases {
		keys[i] = p.Key
	}
	return keys
}

// Validate checks that numbers run 1..N in order and that keys, names and
// commands are present and unique.
func (m Map) Validate() error {
	if len(m.Phases) == 0 {
		return fmt.Errorf("phase map %s: no phases", m.Track)
	}
	keys := map[string]struct{}{}
	commands := map[string]struct{}{}
	for i, p := range m.Phases {
		if p.Number != i+1 {
			return fmt.Errorf("phase map %s: phase %q has number %d, want %d", m.Track, p.Key, p.Number, i+1)
		}
		if p.Key == "" || p.Name == "" || p.Command == "" {
			return fmt.Errorf("phase map %s: phase %d needs key, name and command", m.Track, p.Number)
		}
		if _, dup := keys[p.Key]; dup {
			return fmt.Errorf("phase map %s: duplicate key %q", m.Track, p.Key)
		}
		if _, dup := commands[p.Command]; dup {
			return fmt.Errorf("phase map %s: duplicate command %q", m.Track, p.Command)
		}
		keys[p.Key] = struct{}{}
		commands[p.Command] = struct{}{}
	}
	return nil
}

// ValidateTracks validates every map and checks that no key appears in two
// tracks, which is what lets a recorded key identify its track.
func ValidateTracks() error {
	owner := map[string]Track{}
	for _, m := range Tracks() {
		if err := m.Validate(); err != nil {
			return err
		}
		for _, k := range m.Keys() {
			if other, ok := owner[k]; ok {
				return fmt.Errorf("phase key %q is in both %s and %s", k, other, m.Track)
			}
			owner[k] = m.Track
		}
	}
	return nil
}

// trackOf returns the map that owns key.
func trackOf(key string) (Map, Phase, bool) {
	for _, m := range Tracks() {
		if p, ok := m.Lookup(key); ok {
			return m, p, true
		}
	}
	return Map{}, Phase{}, false
}

// allKeys lists every known key, sorted, for validation messages.
func allKeys() []string {
	var keys []string
	for _, m := range Tracks() {
		keys = append(keys, m.Keys()...)
	}
	sort.Strings(keys)
	return keys
}
