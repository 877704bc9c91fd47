// Package snapshot models the record of pre-suspension concurrency limits
// and the stores that persist it between the suspend and reset phases.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Limit is a reserved concurrency value that may be unset.
// An unset limit means the function runs under the account-wide pool.
type Limit struct {
	value int32
	set   bool
}

// Unset returns a limit with no explicit override.
func Unset() Limit {
	return Limit{}
}

// Of returns an explicit limit of n.
func Of(n int32) Limit {
	return Limit{value: n, set: true}
}

// FromPtr converts an SDK style *int32 into a Limit.
func FromPtr(p *int32) Limit {
	if p == nil {
		return Unset()
	}
	return Of(*p)
}

// IsSet reports whether an explicit override exists.
func (l Limit) IsSet() bool {
	return l.set
}

// Value returns the explicit limit and whether one is set.
func (l Limit) Value() (int32, bool) {
	return l.value, l.set
}

// Ptr returns the limit as *int32, nil when unset.
func (l Limit) Ptr() *int32 {
	if !l.set {
		return nil
	}
	v := l.value
	return &v
}

func (l Limit) String() string {
	if !l.set {
		return "unset"
	}
	return strconv.FormatInt(int64(l.value), 10)
}

// Entry pairs a resource identifier with the limit captured for it.
type Entry struct {
	ResourceID string
	Limit      Limit
}

// MarshalJSON encodes the entry as a two element array: [id, limit|null].
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.ResourceID, e.Limit.Ptr()})
}

// UnmarshalJSON decodes a two element array: [id, limit|null].
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("entry must be a [id, limit] array: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("entry must have 2 elements, got %d", len(pair))
	}

	var id string
	if err := json.Unmarshal(pair[0], &id); err != nil {
		return fmt.Errorf("entry resource id: %w", err)
	}
	if id == "" {
		return fmt.Errorf("entry resource id is empty")
	}

	var limit *int32
	if err := json.Unmarshal(pair[1], &limit); err != nil {
		return fmt.Errorf("entry limit for %s: %w", id, err)
	}
	if limit != nil && *limit < 0 {
		return fmt.Errorf("entry limit for %s is negative: %d", id, *limit)
	}

	e.ResourceID = id
	e.Limit = FromPtr(limit)
	return nil
}

// Snapshot is the ordered list of captured limits, in discovery order.
type Snapshot []Entry

// IDs returns the resource identifiers in snapshot order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s))
	for i, e := range s {
		ids[i] = e.ResourceID
	}
	return ids
}

// MarshalJSON always produces an array, never null.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Entry(s))
}

// Encode renders the snapshot in its wire format.
func Encode(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses the wire format produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("failed to decode snapshot: empty value")
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("failed to decode snapshot: null value")
	}

	var entries []Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return Snapshot(entries), nil
}
