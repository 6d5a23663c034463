package http

import (
	"votedb/pkg/view"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status      `json:"status,omitempty"`
	Hash   string      `json:"hash,omitempty"`
	Post   *view.Post  `json:"post,omitempty"`
	Posts  []view.Post `json:"posts,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// InfoResponse describes the local node.
type InfoResponse struct {
	Writer  string            `json:"writer"`
	Name    string            `json:"name,omitempty"`
	Writers []string          `json:"writers"`
	Applied map[string]uint64 `json:"applied"`
	Clock   uint64            `json:"clock"`
	Pending int               `json:"pending"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewHashResponse(hash string) Response {
	return Response{Status: StatusSuccess, Hash: hash}
}

func NewPostResponse(p view.Post) Response {
	return Response{Status: StatusSuccess, Post: &p}
}

func NewPostsResponse(posts []view.Post) Response {
	if posts == nil {
		posts = []view.Post{}
	}
	return Response{Status: StatusSuccess, Posts: posts}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
