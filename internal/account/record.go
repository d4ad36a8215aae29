// Package account maps directory entries to typed account records and carries
// out the account-level directory operations: lookup, creation, deletion,
// group membership, credential checks and description rewrites.
package account

import (
	"fmt"
	"strings"
)

// Metadata keys written by BioKey
const (
	FieldConsortium = "consortium"
	FieldResetToken = "reset_token"
	FieldResetTime  = "reset_time"
)

// MetadataState says what was found after the marker in a description
type MetadataState int

const (
	// MetadataAbsent means the description carries no marker
	MetadataAbsent MetadataState = iota
	// MetadataPresent means the marker was followed by a JSON object
	MetadataPresent
	// MetadataCorrupted means the marker was followed by something that is not a JSON object
	MetadataCorrupted
)

func (s MetadataState) String() string {
	switch s {
	case MetadataAbsent:
		return "absent"
	case MetadataPresent:
		return "present"
	case MetadataCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("MetadataState(%d)", int(s))
	}
}

// Metadata is the JSON object kept in an entry's description, together with
// whatever free text precedes it. Fields is never nil on decoded values.
type Metadata struct {
	State    MetadataState
	FreeText string
	Fields   map[string]any
}

// String returns a string-valued field
func (m Metadata) String(key string) (string, bool) {
	v, ok := m.Fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// With returns a copy of m with key set to value
func (m Metadata) With(key string, value any) Metadata {
	out := m.clone()
	out.Fields[key] = value
	out.State = MetadataPresent
	return out
}

// Without returns a copy of m with the given keys removed; absent keys are ignored
func (m Metadata) Without(keys ...string) Metadata {
	out := m.clone()
	for _, k := range keys {
		delete(out.Fields, k)
	}
	return out
}

func (m Metadata) clone() Metadata {
	fields := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		fields[k] = v
	}
	return Metadata{State: m.State, FreeText: m.FreeText, Fields: fields}
}

// Record is the typed view of a person entry
type Record struct {
	DN          string
	UID         string
	Surname     string
	CommonName  string
	Email       string
	Phone       string
	Description string
	Metadata    Metadata
}

// ExternallyManaged reports whether the record's description begins with marker
func (r *Record) ExternallyManaged(marker string) bool {
	if marker == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(r.Description), marker)
}
