// Package cluster decides which writer logs a node merges.
package cluster

import (
	"fmt"
	"net/url"
	"strings"

	"votedb/pkg/rpc"
	"votedb/pkg/writerlog"
)

// Membership receives writer changes. merge.Merger implements it.
type Membership interface {
	AddWriter(r writerlog.Reader)
	RemoveWriter(id string)
}

// Peer is a remote writer log and the node serving it.
type Peer struct {
	ID  string
	URL string
}

// ReaderFunc opens a reader for a peer.
type ReaderFunc func(p Peer) writerlog.Reader

// RemoteReader reads peers over HTTP.
func RemoteReader(p Peer) writerlog.Reader {
	return rpc.NewRemoteLog(p.ID, p.URL)
}

// ParsePeer parses "id=url".
func ParsePeer(s string) (Peer, error) {
	id, raw, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || id == "" || raw == "" {
		return Peer{}, fmt.Errorf("writer %q: expected id=url", s)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Peer{}, fmt.Errorf("writer %q: invalid url %q", s, raw)
	}
	return Peer{ID: id, URL: strings.TrimRight(raw, "/")}, nil
}

// StaticWriters adds a fixed list of peers to m, skipping the local writer.
func StaticWriters(m Membership, specs []string, localID string, open ReaderFunc) ([]Peer, error) {
	var peers []Peer
	for _, s := range specs {
		p, err := ParsePeer(s)
		if err != nil {
			return nil, err
		}
		if p.ID == localID {
			continue
		}
		peers = append(peers, p)
	}
	for _, p := range peers {
		m.AddWriter(open(p))
	}
	return peers, nil
}
