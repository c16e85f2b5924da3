// Package interfaces defines service contracts for Tidemark
package interfaces

import (
	"context"

	"github.com/bobmcallan/tidemark/internal/models"
)

// Page is one page of upstream results. NextCursor is an opaque token; empty
// means the window is exhausted.
type Page struct {
	Records    []*models.Record
	NextCursor string
}

// FeedClient is the upstream sync client boundary. Implementations handle
// rate limiting, 429 waits, and bounded retry of transient failures; callers
// see either data or a classified failure, never a silently lost page.
type FeedClient interface {
	// FetchPage fetches a single page for the window. An empty Records slice
	// with no error means upstream confirms no data for the window.
	FetchPage(ctx context.Context, window models.FetchWindow, cursor string) (*Page, error)

	// FetchWindow drains all pages for the window.
	FetchWindow(ctx context.Context, window models.FetchWindow) ([]*models.Record, error)

	// ListSymbols fetches the entity catalog for an exchange.
	ListSymbols(ctx context.Context, exchange string) ([]*models.Entity, error)
}
