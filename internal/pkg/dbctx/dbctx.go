// Package dbctx bundles a request-scoped context with an optional GORM
// transaction and trace correlation data, so repository methods take one
// argument instead of threading ctx/tx/trace-id separately.
package dbctx

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type traceKey struct{}

// Trace identifies the request/correlation chain a DB operation belongs to,
// propagated through context.Context the way the IPC codec propagates
// CorrelationID across process boundaries.
type Trace struct {
	TraceID       string
	CorrelationID uuid.UUID
}

// Context bundles a request context with an optional GORM transaction. Pass
// Tx when the caller is already inside a transaction (e.g. a multi-step
// claim-then-update); leave it nil to let the repository open its own.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func (c Context) WithTx(tx *gorm.DB) Context {
	c.Tx = tx
	return c
}

func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

func TraceFrom(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(traceKey{}).(Trace)
	return t, ok
}
