package session

// Ring is a fixed-capacity ring buffer of turn records with O(1) append.
// Once full, each append evicts the oldest record. Not safe for concurrent
// use; the store synchronizes access.
type Ring struct {
	records []TurnRecord
	next    int
}

// NewRing creates a ring with the given capacity (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{records: make([]TurnRecord, 0, capacity)}
}

// Append adds a record, evicting the oldest if full.
func (r *Ring) Append(rec TurnRecord) {
	if len(r.records) < cap(r.records) {
		r.records = append(r.records, rec)
		return
	}
	r.records[r.next] = rec
	r.next = (r.next + 1) % cap(r.records)
}

// Len returns the number of records currently held.
func (r *Ring) Len() int {
	return len(r.records)
}

// Records returns a copy of the records in insertion order, oldest first.
func (r *Ring) Records() []TurnRecord {
	if len(r.records) < cap(r.records) || r.next == 0 {
		out := make([]TurnRecord, len(r.records))
		copy(out, r.records)
		return out
	}
	out := make([]TurnRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}
