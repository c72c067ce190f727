package canonical

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidRecord is matched (via errors.Is) by every validation failure
// returned from Canonicalize and Encode.
var ErrInvalidRecord = errors.New("invalid identity record")

// InvalidRecordError names the field that failed validation.
type InvalidRecordError struct {
	Field  string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid identity record: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidRecord.
func (e *InvalidRecordError) Is(target error) bool {
	return target == ErrInvalidRecord
}

func invalid(field, format string, args ...any) error {
	return &InvalidRecordError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IdentityRecord is the verified identity data of one traveller for one trip.
// It is treated as immutable once hashed; any edit is a new record.
type IdentityRecord struct {
	OwnerID        string            `json:"owner_id"`
	TripID         string            `json:"trip_id"`
	DocumentType   string            `json:"document_type"`   // passport, national_id, visa, ...
	DocumentNumber string            `json:"document_number"`
	Nationality    string            `json:"nationality,omitempty"` // ISO 3166-1 alpha-3, optional
	ValidFrom      time.Time         `json:"valid_from"`
	ValidUntil     time.Time         `json:"valid_until"`
	Itinerary      []ItineraryStop   `json:"itinerary,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// ItineraryStop is one leg of the trip. Depart may be zero for an open stay.
type ItineraryStop struct {
	Location string    `json:"location"`
	Arrive   time.Time `json:"arrive"`
	Depart   time.Time `json:"depart,omitempty"`
}

// Size limits keep every length prefix of the encoding in range.
const (
	MaxTextBytes  = 4096
	MaxStops      = 256
	MaxAttributes = 256
)

// attributePrefix namespaces free-form attributes so they can never collide
// with a fixed field name.
const attributePrefix = "attr."

// Validate checks the record and returns an *InvalidRecordError describing
// the first problem found.
func (r *IdentityRecord) Validate() error {
	if r == nil {
		return invalid("record", "is nil")
	}

	required := []struct {
		name, value string
	}{
		{"owner_id", r.OwnerID},
		{"trip_id", r.TripID},
		{"document_type", r.DocumentType},
		{"document_number", r.DocumentNumber},
	}
	for _, f := range required {
		if f.value == "" {
			return invalid(f.name, "is required")
		}
		if err := checkText(f.name, f.value); err != nil {
			return err
		}
	}
	if err := checkText("nationality", r.Nationality); err != nil {
		return err
	}

	if r.ValidFrom.IsZero() || r.ValidUntil.IsZero() {
		return invalid("validity", "both valid_from and valid_until are required")
	}
	if err := checkTime("valid_from", r.ValidFrom); err != nil {
		return err
	}
	if err := checkTime("valid_until", r.ValidUntil); err != nil {
		return err
	}
	if !r.ValidUntil.After(r.ValidFrom) {
		return invalid("validity", "valid_until must be after valid_from")
	}

	if len(r.Itinerary) > MaxStops {
		return invalid("itinerary", "more than %d stops", MaxStops)
	}
	for i, stop := range r.Itinerary {
		field := fmt.Sprintf("itinerary[%d]", i)
		if stop.Location == "" {
			return invalid(field, "location is required")
		}
		if err := checkText(field, stop.Location); err != nil {
			return err
		}
		if stop.Arrive.IsZero() {
			return invalid(field, "arrive is required")
		}
		if err := checkTime(field, stop.Arrive); err != nil {
			return err
		}
		if !stop.Depart.IsZero() {
			if err := checkTime(field, stop.Depart); err != nil {
				return err
			}
			if stop.Depart.Before(stop.Arrive) {
				return invalid(field, "departs before it arrives")
			}
		}
	}

	if len(r.Attributes) > MaxAttributes {
		return invalid("attributes", "more than %d attributes", MaxAttributes)
	}
	for k, v := range r.Attributes {
		field := attributePrefix + k
		if k == "" {
			return invalid("attributes", "empty attribute key")
		}
		if len(field) > math.MaxUint16 {
			return invalid("attributes", "attribute key longer than %d bytes", math.MaxUint16-len(attributePrefix))
		}
		if strings.ContainsRune(k, 0) {
			return invalid("attributes", "attribute key contains NUL")
		}
		if err := checkText(field, k); err != nil {
			return err
		}
		if err := checkText(field, v); err != nil {
			return err
		}
	}
	return nil
}

// checkText rejects malformed UTF-8 and control characters. Values are never
// trimmed or case-folded; byte-different strings are different records.
func checkText(field, s string) error {
	if len(s) > MaxTextBytes {
		return invalid(field, "longer than %d bytes", MaxTextBytes)
	}
	if !utf8.ValidString(s) {
		return invalid(field, "not valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return invalid(field, "contains control character %U", r)
		}
	}
	return nil
}

// checkTime rejects sub-second precision. The encoding carries whole Unix
// seconds, so two instants inside one second would otherwise share a hash.
func checkTime(field string, t time.Time) error {
	if t.Nanosecond() != 0 {
		return invalid(field, "sub-second precision is not allowed")
	}
	return nil
}
