package entry

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	typePost = "post"
	typeVote = "vote"
)

var (
	ErrUnknownDirection = errors.New("unknown vote direction")
	ErrEmptyHash        = errors.New("vote without post hash")

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// deterministic encoding keeps identical entries byte-identical on every writer
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("entry: cbor enc mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(fmt.Sprintf("entry: cbor dec mode: %v", err))
	}
}

// DecodeError reports bytes that could not be turned into an Entry or Record.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode entry: %s: %v", e.Reason, e.Err)
	}
	return "decode entry: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireEntry is the serialized form: a CBOR map with a discriminator.
type wireEntry struct {
	Type string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint,omitempty"`
	Hash string `cbor:"3,keyasint,omitempty"`
	Up   bool   `cbor:"4,keyasint,omitempty"`
}

// Encode serializes e. Unrecognized entries cannot be re-encoded.
func Encode(e Entry) ([]byte, error) {
	var w wireEntry
	switch v := e.(type) {
	case Post:
		w = wireEntry{Type: typePost, Data: v.Data}
		if w.Data == nil {
			w.Data = []byte{}
		}
	case Vote:
		if v.PostHash == "" {
			return nil, ErrEmptyHash
		}
		if !v.Direction.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, v.Direction)
		}
		w = wireEntry{Type: typeVote, Hash: v.PostHash, Up: v.Direction == Up}
	default:
		return nil, fmt.Errorf("encode entry: unsupported kind %s", e.Kind())
	}

	b, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	return b, nil
}

// Decode parses b. An unknown type tag yields Unrecognized, not an error.
func Decode(b []byte) (Entry, error) {
	var w wireEntry
	if err := decMode.Unmarshal(b, &w); err != nil {
		return nil, &DecodeError{Reason: "malformed payload", Err: err}
	}

	switch w.Type {
	case typePost:
		data := w.Data
		if data == nil {
			data = []byte{}
		}
		return Post{Data: data}, nil
	case typeVote:
		if w.Hash == "" {
			return nil, &DecodeError{Reason: "vote", Err: ErrEmptyHash}
		}
		dir := Down
		if w.Up {
			dir = Up
		}
		return Vote{PostHash: w.Hash, Direction: dir}, nil
	case "":
		return nil, &DecodeError{Reason: "missing type"}
	default:
		return Unrecognized{Type: w.Type}, nil
	}
}
