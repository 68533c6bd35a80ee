// Package group fans messages out to named groups of connections.
//
// Memory keeps membership in-process and is enough for a single instance.
// RabbitMQ layers a broker on top of Memory so that a Send on any instance reaches
// members held by every instance.
package group

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("group: layer closed")

// Member is one fan-out target, normally a live connection.
// Send must not block; a full or closed member reports an error instead.
type Member interface {
	ID() string
	Send(msg []byte) error
}

type Layer interface {
	Join(ctx context.Context, group string, m Member) error
	Leave(ctx context.Context, group string, m Member) error
	Send(ctx context.Context, group string, msg []byte) error
	// Ping reports whether Send can currently reach every instance.
	Ping(ctx context.Context) error
	Close() error
}

// FailureFunc observes a failed delivery to a single member.
type FailureFunc func(group string, m Member, err error)
