package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// WriterID identifies one writer log. It is the string form of a UUID for
// logs created by votedb, but any non-empty string without NUL bytes works.
type WriterID = string

// SeqN is a 1-based position inside a single writer log; 0 means "nothing".
type SeqN = uint64

// Clock is a Lamport timestamp carried by every record.
type Clock = uint64
