// Package canonical reduces an identity record to a deterministic byte
// encoding and a 32-byte Keccak-256 digest suitable for a bytes32 slot on
// the ledger.
//
// Encoding layout (all integers big-endian):
//
//	"idanchor/identity/v1" 0x00
//	uint32 field count
//	repeated, sorted by field name:
//	    uint16 name length | name | 1 byte type tag | uint32 value length | value
//
// Strings are raw UTF-8. Timestamps are int64 UTC Unix seconds; Validate
// rejects sub-second values and bounds every length written below. Lists are a
// uint32 element count followed by uint32-length-prefixed elements in their
// original order.
package canonical

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"
)

// VersionTag prefixes every encoding. Changing the layout requires a new tag.
const VersionTag = "idanchor/identity/v1"

const (
	tagString    byte = 's'
	tagInt       byte = 'i'
	tagTimestamp byte = 't'
	tagList      byte = 'l'
)

type field struct {
	name  string
	tag   byte
	value []byte
}

// Encode validates the record and returns its canonical byte form.
func Encode(r *IdentityRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	fields := []field{
		stringField("owner_id", r.OwnerID),
		stringField("trip_id", r.TripID),
		stringField("document_type", r.DocumentType),
		stringField("document_number", r.DocumentNumber),
		stringField("nationality", r.Nationality),
		timeField("valid_from", r.ValidFrom),
		timeField("valid_until", r.ValidUntil),
		itineraryField(r.Itinerary),
	}
	for k, v := range r.Attributes {
		fields = append(fields, stringField(attributePrefix+k, v))
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	var buf bytes.Buffer
	buf.WriteString(VersionTag)
	buf.WriteByte(0)
	writeUint32(&buf, uint32(len(fields)))
	for _, f := range fields {
		writeUint16(&buf, uint16(len(f.name)))
		buf.WriteString(f.name)
		buf.WriteByte(f.tag)
		writeUint32(&buf, uint32(len(f.value)))
		buf.Write(f.value)
	}
	return buf.Bytes(), nil
}

func stringField(name, v string) field {
	return field{name: name, tag: tagString, value: []byte(v)}
}

func timeField(name string, t time.Time) field {
	return field{name: name, tag: tagTimestamp, value: int64Bytes(t.UTC().Unix())}
}

func itineraryField(stops []ItineraryStop) field {
	var list bytes.Buffer
	writeUint32(&list, uint32(len(stops)))
	for _, s := range stops {
		var el bytes.Buffer
		writeUint32(&el, uint32(len(s.Location)))
		el.WriteString(s.Location)
		el.Write(int64Bytes(s.Arrive.UTC().Unix()))
		if s.Depart.IsZero() {
			el.WriteByte(0)
		} else {
			el.WriteByte(1)
			el.Write(int64Bytes(s.Depart.UTC().Unix()))
		}
		writeUint32(&list, uint32(el.Len()))
		list.Write(el.Bytes())
	}
	return field{name: "itinerary", tag: tagList, value: list.Bytes()}
}

func int64Bytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}
