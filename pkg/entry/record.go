package entry

import "fmt"

// Record is what occupies one slot of a writer log: an encoded entry plus
// the causal metadata the merger orders by.
type Record struct {
	// Clock is a Lamport timestamp, greater than the clock of every entry
	// the author had applied when appending.
	Clock uint64 `cbor:"1,keyasint"`
	// Deps maps writer id to the number of that writer's entries the author
	// had applied when appending.
	Deps    map[string]uint64 `cbor:"2,keyasint,omitempty"`
	Payload []byte            `cbor:"3,keyasint"`
}

// NewRecord encodes e and wraps it with the given causal metadata.
func NewRecord(e Entry, clock uint64, deps map[string]uint64) ([]byte, error) {
	payload, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return EncodeRecord(Record{Clock: clock, Deps: deps, Payload: payload})
}

func EncodeRecord(r Record) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return b, nil
}

func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := decMode.Unmarshal(b, &r); err != nil {
		return Record{}, &DecodeError{Reason: "malformed record", Err: err}
	}
	if r.Payload == nil {
		return Record{}, &DecodeError{Reason: "record without payload"}
	}
	return r, nil
}
