// Package event defines the schemaless event model: an ordered JSON object
// with a required occurrence time, an optional id, and the typed envelope
// attached when the event is indexed.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
)

// Reserved top-level keys.
const (
	FieldID         = "id"
	FieldOccurredAt = "occurredAt"
	// FieldEnvelope namespaces indexing metadata away from event fields.
	FieldEnvelope = "@envelope"
)

// Envelope field paths as they appear in the search index.
const (
	EnvelopeBatchID      = FieldEnvelope + ".batchId"
	EnvelopeCollectionID = FieldEnvelope + ".collectionId"
	EnvelopeIngestedAt   = FieldEnvelope + ".ingestedAt"
)

// Event is one ingested record. Fields holds the full payload as received,
// including the id and occurredAt keys; ID and OccurredAt are parsed views.
type Event struct {
	ID         string
	OccurredAt time.Time
	Fields     *Object
}

// Envelope is the internal metadata merged into each indexed document.
type Envelope struct {
	BatchID      string    `json:"batchId"`
	CollectionID string    `json:"collectionId"`
	IngestedAt   time.Time `json:"ingestedAt"`
}

// ValidationError reports a malformed event or request field.
type ValidationError struct {
	Index  int // position in the batch, -1 when not applicable
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("event %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Parse validates an object as an event.
func Parse(fields *Object) (Event, error) {
	if err := CheckReserved(fields); err != nil {
		return Event{}, err
	}
	raw, ok := fields.Get(FieldOccurredAt)
	if !ok || raw == nil {
		return Event{}, &ValidationError{Index: -1, Field: FieldOccurredAt, Reason: "required"}
	}
	ts, err := ParseOccurredAt(raw)
	if err != nil {
		return Event{}, &ValidationError{Index: -1, Field: FieldOccurredAt, Reason: err.Error()}
	}
	ev := Event{OccurredAt: ts, Fields: fields}
	if id, ok := fields.Get(FieldID); ok && id != nil {
		switch v := id.(type) {
		case string:
			ev.ID = v
		case json.Number:
			ev.ID = v.String()
		default:
			return Event{}, &ValidationError{Index: -1, Field: FieldID, Reason: "must be a string or number"}
		}
	}
	return ev, nil
}

// CheckReserved rejects payloads that carry the envelope key themselves.
func CheckReserved(fields *Object) error {
	if fields == nil {
		return nil
	}
	if _, clash := fields.Get(FieldEnvelope); clash {
		return &ValidationError{Index: -1, Field: FieldEnvelope, Reason: "reserved field name"}
	}
	return nil
}

// ParseAll parses a batch, failing on the first invalid event.
func ParseAll(objs []*Object) ([]Event, error) {
	events := make([]Event, len(objs))
	for i, o := range objs {
		ev, err := Parse(o)
		if err != nil {
			ve := err.(*ValidationError)
			ve.Index = i
			return nil, ve
		}
		events[i] = ev
	}
	return events, nil
}

// ParseOccurredAt accepts RFC 3339 strings, any layout dateparse recognizes,
// and numbers interpreted as Unix milliseconds.
func ParseOccurredAt(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t.UTC(), nil
		}
		t, err := dateparse.ParseIn(x, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("unrecognized timestamp %q", x)
		}
		return t.UTC(), nil
	case json.Number:
		ms, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid number %q", x)
		}
		return time.UnixMilli(int64(ms)).UTC(), nil
	case float64:
		return time.UnixMilli(int64(x)).UTC(), nil
	case int64:
		return time.UnixMilli(x).UTC(), nil
	case time.Time:
		return x.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported type %T", v)
}

// New builds an event with the given fields. It is used by generators and
// tests; occurredAt is written into the payload in RFC 3339 form.
func New(id string, occurredAt time.Time, fields *Object) Event {
	if fields == nil {
		fields = NewObject()
	}
	if id != "" {
		fields.Set(FieldID, id)
	}
	fields.Set(FieldOccurredAt, occurredAt.UTC().Format(time.RFC3339Nano))
	return Event{ID: id, OccurredAt: occurredAt.UTC(), Fields: fields}
}

// MarshalJSON writes the raw payload.
func (e Event) MarshalJSON() ([]byte, error) {
	return e.Fields.MarshalJSON()
}

// UnmarshalJSON parses and validates the raw payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	o := NewObject()
	if err := o.UnmarshalJSON(data); err != nil {
		return err
	}
	ev, err := Parse(o)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// Document serializes the event as an index document: every field except
// the id, followed by the envelope under FieldEnvelope. The envelope is
// encoded separately so a user field can never overwrite it.
func (e Event) Document(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := e.Fields.writeMembers(&buf, FieldID); err != nil {
		return nil, err
	}
	// A user-supplied key with the reserved name would duplicate it.
	if err := CheckReserved(e.Fields); err != nil {
		return nil, err
	}
	if buf.Len() > 1 {
		buf.WriteByte(',')
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"` + FieldEnvelope + `":`)
	buf.Write(envBytes)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Hash returns the hex SHA-256 of the collection id followed by the
// serialized events, one per line.
func Hash(collectionID string, events []Event) (string, error) {
	h := sha256.New()
	h.Write([]byte(collectionID))
	for _, e := range events {
		b, err := e.Fields.MarshalJSON()
		if err != nil {
			return "", err
		}
		h.Write([]byte{'\n'})
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Span returns the earliest and latest occurrence time in one pass.
func Span(events []Event) (lo, hi time.Time) {
	for i, e := range events {
		if i == 0 || e.OccurredAt.Before(lo) {
			lo = e.OccurredAt
		}
		if i == 0 || e.OccurredAt.After(hi) {
			hi = e.OccurredAt
		}
	}
	return lo, hi
}
