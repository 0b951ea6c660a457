package chat

import "errors"

// ErrInvalidInput marks requests rejected before any work is done.
var ErrInvalidInput = errors.New("invalid input")

// Upload is an extracted document destined for a session.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Text        string
}

// Reply is the outcome of one chat turn.
type Reply struct {
	Response string
	Context  string
}

const (
	outcomeOK       = "ok"
	outcomeNotFound = "not_found"
	outcomeFailed   = "failed"
)
