// Package entry defines the log entries writers append and the codec that
// turns them into bytes and back.
//
// Entries form a closed set: Post, Vote and Unrecognized. Unrecognized is
// what a replica sees when another writer uses an entry type it does not know
// about; it is skipped by the reducer rather than failing the merge.
package entry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Kind discriminates the entry variants.
type Kind uint8

const (
	KindUnrecognized Kind = iota
	KindPost
	KindVote
)

func (k Kind) String() string {
	switch k {
	case KindPost:
		return typePost
	case KindVote:
		return typeVote
	default:
		return "unrecognized"
	}
}

// Direction of a vote.
type Direction int8

const (
	Down Direction = -1
	Up   Direction = 1
)

// Delta is the change a vote makes to a post's count.
func (d Direction) Delta() int64 {
	return int64(d)
}

func (d Direction) Valid() bool {
	return d == Up || d == Down
}

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return fmt.Sprintf("direction(%d)", int8(d))
	}
}

// Entry is implemented by Post, Vote and Unrecognized only.
type Entry interface {
	Kind() Kind
	isEntry()
}

// Post publishes opaque data; the post is identified by ContentHash(Data).
type Post struct {
	Data []byte
}

func (Post) Kind() Kind { return KindPost }
func (Post) isEntry()   {}

// Hash returns the identifier of the post created by this entry.
func (p Post) Hash() string {
	return ContentHash(p.Data)
}

// Vote moves the post referenced by PostHash one step in Direction.
type Vote struct {
	PostHash  string
	Direction Direction
}

func (Vote) Kind() Kind { return KindVote }
func (Vote) isEntry()   {}

// Unrecognized carries the type tag of an entry this build cannot interpret.
type Unrecognized struct {
	Type string
}

func (Unrecognized) Kind() Kind { return KindUnrecognized }
func (Unrecognized) isEntry()   {}

// ContentHash is the stable identifier of post data: lowercase hex SHA-256.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s has the shape of a ContentHash.
func ValidHash(s string) bool {
	if len(s) != 2*sha256.Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
