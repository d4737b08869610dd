// Package storage is the durable page store that sessions seed from and the persistence bridge writes to.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidPageID = errors.New("invalid page id")

// PageStore holds the latest content of every page. Saving the content a page already has is a no-op.
type PageStore interface {
	// PageContent returns the stored content, or "" when the page has never been saved.
	PageContent(ctx context.Context, pageID string) (string, error)
	SavePageContent(ctx context.Context, pageID, content string) error
}

// Revision is one saved version of a page.
type Revision struct {
	ID        string    `json:"id"`
	PageID    string    `json:"pageId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// RevisionStore is implemented by stores that keep every saved version.
type RevisionStore interface {
	PageStore
	// Revisions lists the saved versions of a page, newest first.
	Revisions(ctx context.Context, pageID string, limit int) ([]Revision, error)
	Close() error
}

func validPageID(pageID string) error {
	if pageID == "" || len(pageID) > 256 {
		return ErrInvalidPageID
	}
	return nil
}
