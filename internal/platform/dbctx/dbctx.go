// Package dbctx bundles a request-scoped context.Context with an optional
// GORM transaction handle, so repo methods accept one argument instead of two.
package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries the ambient request context plus an optional transaction.
// A nil Tx means "use the repo's own pooled *gorm.DB".
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func Background() Context {
	return Context{Ctx: context.Background()}
}
