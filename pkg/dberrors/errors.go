package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("votedb: not found")
	ErrClosed          = errors.New("votedb: closed")
	ErrInvalidArgument = errors.New("votedb: invalid argument")
	ErrApplyFailed     = errors.New("votedb: apply failed")
)
