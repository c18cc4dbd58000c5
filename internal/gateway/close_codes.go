package gateway

import "errors"

// WebSocket error codes sent in an Error message's Code field (and, for
// the fatal ones, as the close frame code). The 4000 range is reserved for
// application use; 4004 (invalid format) is also used for the
// binary-frame-rejection close in the connection's receive loop.
const (
	CodePermissionDenied = 4001
	CodeNotFound         = 4002
	CodeRateLimited      = 4003
	CodeInvalidFormat    = 4004
	CodeNotSubscribed    = 4005
	CodeLagged           = 4006
	CodeResourceNotFound = 4007
)

// Sentinel errors for connection-level failure modes, each mapping to one
// of the codes above.
var (
	ErrInvalidFormat  = errors.New("invalid message format")
	ErrNotSubscribed  = errors.New("not subscribed to channel")
	ErrLagged         = errors.New("connection lagged behind channel events")
	ErrTicketNotFound = errors.New("ws ticket unknown, expired, or already used")
)
