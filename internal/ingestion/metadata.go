package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Document is a resolved capsule source
type Document struct {
	Ref       string    `json:"ref"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text"`
	Hash      string    `json:"hash"` // SHA256 hex digest of Text
	Truncated bool      `json:"truncated,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

func newDocument(ref, title, text string, truncated bool) *Document {
	return &Document{
		Ref:       ref,
		Title:     title,
		Text:      text,
		Hash:      computeHash(text),
		Truncated: truncated,
		FetchedAt: time.Now().UTC(),
	}
}

// computeHash computes SHA256 hash of content and returns hex string
func computeHash(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
