// Package source describes the fixed set of live-ingest inputs the relay can
// forward, plus the reserved standby input.
package source

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Name identifies a source. Names are case-folded on construction.
type Name string

const (
	// Standby is the reserved identifier of the BRB loop.
	Standby Name = "brb"
	// Idle and Unknown are relay-mode names and can never name a source.
	Idle    Name = "idle"
	Unknown Name = "unknown"
)

// Normalize case-folds and trims a source name.
func Normalize(raw string) Name {
	return Name(cases.Fold().String(strings.TrimSpace(raw)))
}

func (n Name) String() string { return string(n) }

// ErrUnknownSource reports a name that is neither a configured source nor standby.
var ErrUnknownSource = errors.New("unknown source")

// Source is one configured live input.
type Source struct {
	Name Name
	// Key is the publish key on the ingest server. It doubles as the path
	// segment the relay pulls from and as the credential for publish auth.
	Key string
}

// Set is the ordered, immutable enumeration of live sources. Enumeration
// order is the tie-breaker wherever several sources qualify at once.
type Set struct {
	order  []Name
	byName map[Name]Source
}

// NewSet validates and builds a Set. Duplicate or reserved names are rejected.
func NewSet(sources ...Source) (Set, error) {
	set := Set{byName: make(map[Name]Source, len(sources))}
	for _, src := range sources {
		name := Normalize(string(src.Name))
		if name == "" {
			return Set{}, fmt.Errorf("source name is required")
		}
		if IsReserved(name) {
			return Set{}, fmt.Errorf("source name %q is reserved", name)
		}
		if strings.ContainsAny(string(name), "/ \t") {
			return Set{}, fmt.Errorf("source name %q contains invalid characters", name)
		}
		if _, exists := set.byName[name]; exists {
			return Set{}, fmt.Errorf("duplicate source %q", name)
		}
		src.Name = name
		src.Key = strings.TrimSpace(src.Key)
		set.order = append(set.order, name)
		set.byName[name] = src
	}
	if len(set.order) == 0 {
		return Set{}, fmt.Errorf("at least one source is required")
	}
	return set, nil
}

// MustSet is NewSet for static fixtures; it panics on invalid input.
func MustSet(sources ...Source) Set {
	set, err := NewSet(sources...)
	if err != nil {
		panic(err)
	}
	return set
}

// IsReserved reports whether name is one of the standby or relay-mode identifiers.
func IsReserved(name Name) bool {
	switch name {
	case Standby, Idle, Unknown:
		return true
	}
	return false
}

// Names returns the sources in enumeration order.
func (s Set) Names() []Name {
	out := make([]Name, len(s.order))
	copy(out, s.order)
	return out
}

// Len reports the number of live sources.
func (s Set) Len() int { return len(s.order) }

// Contains reports whether name is a configured live source.
func (s Set) Contains(name Name) bool {
	_, ok := s.byName[name]
	return ok
}

// Lookup returns the configured source by name.
func (s Set) Lookup(name Name) (Source, bool) {
	src, ok := s.byName[name]
	return src, ok
}

// Key returns the publish key for name, or "" when none is configured.
func (s Set) Key(name Name) string {
	return s.byName[name].Key
}

// Parse resolves user input to either a configured source or Standby.
func (s Set) Parse(raw string) (Name, error) {
	name := Normalize(raw)
	if name == Standby || s.Contains(name) {
		return name, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownSource, raw)
}

// MatchKey returns the source whose publish key equals key under app. An
// empty configured key never matches.
func (s Set) MatchKey(app, key string) (Name, bool) {
	name := Normalize(app)
	src, ok := s.byName[name]
	if !ok || src.Key == "" || key == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(src.Key), []byte(key)) != 1 {
		return "", false
	}
	return name, true
}
