// Package rpc reads writer logs held by other nodes over HTTP.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"votedb/pkg/compression"
	"votedb/pkg/writerlog"
)

const defaultTimeout = 3 * time.Second

// ErrUnknownWriter is returned when the remote node does not hold the log.
var ErrUnknownWriter = errors.New("rpc: remote node does not serve this writer")

var _ writerlog.Reader = (*RemoteLog)(nil)

// RemoteLog is a writerlog.Reader for a log served by another node.
type RemoteLog struct {
	id      string
	baseURL string
	client  *http.Client
}

func NewRemoteLog(id, baseURL string) *RemoteLog {
	return &RemoteLog{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// WithClient replaces the HTTP client.
func (l *RemoteLog) WithClient(c *http.Client) *RemoteLog {
	l.client = c
	return l
}

func (l *RemoteLog) ID() string {
	return l.id
}

// BaseURL is the address of the node serving the log.
func (l *RemoteLog) BaseURL() string {
	return l.baseURL
}

func (l *RemoteLog) Read(ctx context.Context, from uint64, limit int) ([][]byte, error) {
	path := strings.Replace(RecordsPath, "{writer}", url.PathEscape(l.id), 1)
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create GET request: %w", err)
	}
	compression.RequestZstd(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET records: %w", err)
	}
	defer resp.Body.Close()

	body, err := compression.Body(resp)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	defer body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s at %s", ErrUnknownWriter, l.id, l.baseURL)
	default:
		b, _ := io.ReadAll(body)
		return nil, fmt.Errorf("GET records status=%d body=%s", resp.StatusCode, string(b))
	}

	var rr RecordsResponse
	if err := json.NewDecoder(body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if rr.From != from && len(rr.Records) > 0 {
		return nil, fmt.Errorf("records start at %d, asked for %d", rr.From, from)
	}
	if len(rr.Records) > limit {
		rr.Records = rr.Records[:limit]
	}
	if rr.Records == nil {
		rr.Records = [][]byte{}
	}
	return rr.Records, nil
}
