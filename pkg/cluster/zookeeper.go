package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// zkConn is the subset of *zk.Conn used for membership.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKMembership registers the local writer under <root>/writers/<id> with
// its advertised URL as data, and keeps a Membership in sync with the
// children of that node.
type ZKMembership struct {
	conn     zkConn
	rootPath string
	localID  string
	localURL string
	open     ReaderFunc
	logger   *slog.Logger

	retryDelay time.Duration
	known      map[string]string // id -> url
}

// NewZKMembership connects to servers: ["zk1:2181", "zk2:2181"].
func NewZKMembership(servers []string, rootPath string, sessionTimeout time.Duration, localID, localURL string, logger *slog.Logger) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newZKMembership(conn, rootPath, localID, localURL, logger), nil
}

func newZKMembership(conn zkConn, rootPath, localID, localURL string, logger *slog.Logger) *ZKMembership {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKMembership{
		conn:       conn,
		rootPath:   strings.TrimRight(rootPath, "/"),
		localID:    localID,
		localURL:   localURL,
		open:       RemoteReader,
		logger:     logger.With("component", "zk"),
		retryDelay: 2 * time.Second,
		known:      make(map[string]string),
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) writersPath() string {
	return m.rootPath + "/writers"
}

func (m *ZKMembership) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral node of the local writer.
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	if err := m.waitConnected(ctx, 10*time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.writersPath()); err != nil {
		return fmt.Errorf("ensure writers path: %w", err)
	}

	nodePath := path.Join(m.writersPath(), m.localID)
	_, err := m.conn.Create(nodePath, []byte(m.localURL), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("registered writer", "path", nodePath, "url", m.localURL)
	return nil
}

// Run watches the writers node and mirrors its children into target until
// ctx is done.
func (m *ZKMembership) Run(ctx context.Context, target Membership) error {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.writersPath())
		if err != nil {
			m.logger.Warn("watch writers failed", "error", err)
			select {
			case <-time.After(m.retryDelay):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		m.sync(children, target)

		select {
		case ev := <-ch:
			m.logger.Debug("writers changed", "event", ev.Type.String())
		case <-ctx.Done():
			m.logger.Info("watch stopped")
			return nil
		}
	}
}

func (m *ZKMembership) sync(children []string, target Membership) {
	seen := make(map[string]struct{}, len(children))
	for _, id := range children {
		if id == m.localID {
			continue
		}
		seen[id] = struct{}{}

		data, _, err := m.conn.Get(path.Join(m.writersPath(), id))
		if err != nil {
			// gone between ChildrenW and Get; the next event removes it
			m.logger.Warn("read writer node failed", "writer", id, "error", err)
			continue
		}
		url := string(data)
		if prev, ok := m.known[id]; ok && prev == url {
			continue
		}
		p, err := ParsePeer(id + "=" + url)
		if err != nil {
			m.logger.Warn("ignoring writer", "writer", id, "error", err)
			continue
		}
		m.known[id] = p.URL
		target.AddWriter(m.open(p))
		m.logger.Info("writer joined", "writer", id, "url", p.URL)
	}

	for id := range m.known {
		if _, ok := seen[id]; !ok {
			delete(m.known, id)
			target.RemoveWriter(id)
			m.logger.Info("writer left", "writer", id)
		}
	}
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
