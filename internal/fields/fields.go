// Package fields defines the field model shared by every trade document:
// placeholders, provenance tags and identifier allocation.
package fields

import (
	"strconv"
	"strings"
)

// Provenance records who last set a non-placeholder value.
type Provenance int

const (
	None Provenance = iota
	User
	Agent
	Mapped
)

// NotApplicable is written into linked fields whose controlling option is
// not selected.
const NotApplicable = "N/A"

func (p Provenance) String() string {
	switch p {
	case User:
		return "user"
	case Agent:
		return "agent"
	case Mapped:
		return "mapped"
	default:
		return ""
	}
}

// ParseProvenance is the inverse of String. Unknown values map to None.
func ParseProvenance(value string) Provenance {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "user":
		return User
	case "agent":
		return Agent
	case "mapped":
		return Mapped
	default:
		return None
	}
}

// Placeholder returns the canonical unset form of a field.
func Placeholder(id string) string {
	return "[" + id + "]"
}

func IsPlaceholder(id, value string) bool {
	return value == Placeholder(id)
}

// Normalize enforces the placeholder rule: a field is either its
// placeholder with no provenance, or a real value with a provenance.
func Normalize(id, value string, prov Provenance) (string, Provenance) {
	if value == "" || value == Placeholder(id) {
		return Placeholder(id), None
	}
	if prov == None {
		return value, User
	}
	return value, prov
}

// BaseName strips a trailing "_<digits>" suffix allocated by NextFreeID.
func BaseName(id string) string {
	idx := strings.LastIndexByte(id, '_')
	if idx <= 0 || idx == len(id)-1 {
		return id
	}
	if _, err := strconv.Atoi(id[idx+1:]); err != nil {
		return id
	}
	return id[:idx]
}

// NextFreeID returns base_2, base_3, ... whichever is first absent from taken.
func NextFreeID(base string, taken map[string]bool) string {
	for n := 2; ; n++ {
		candidate := base + "_" + strconv.Itoa(n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// Rules decides which identifiers are optional by naming convention.
type Rules struct {
	OptionalPrefixes []string
	OptionalSuffixes []string
}

func DefaultRules() Rules {
	return Rules{
		OptionalPrefixes: []string{"opt_"},
		OptionalSuffixes: []string{"_optional"},
	}
}

func (r Rules) IsOptional(id string) bool {
	base := BaseName(id)
	for _, prefix := range r.OptionalPrefixes {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	for _, suffix := range r.OptionalSuffixes {
		if strings.HasSuffix(base, suffix) {
			return true
		}
	}
	return false
}
