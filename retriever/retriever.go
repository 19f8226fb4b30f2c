package retriever

import (
	"context"
	"errors"
)

// ErrIndexNotInitialized is returned by indexes that hold no documents yet.
var ErrIndexNotInitialized = errors.New("document index not initialized")

// Passage is a unit of retrieved text.
type Passage struct {
	ID       string                 `json:"id,omitempty"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Document is a unit of text to be indexed.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Index defines a unified similarity search interface across backends.
// Results are ordered most relevant first.
type Index interface {
	Type() string
	SimilaritySearch(ctx context.Context, query string, k int) ([]Passage, error)
}

// Writer is implemented by indexes that accept new documents.
type Writer interface {
	AddDocuments(ctx context.Context, docs []Document) error
}

// Contents extracts passage texts in order.
func Contents(ps []Passage) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Content
	}
	return out
}
