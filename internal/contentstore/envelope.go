package contentstore

import (
	"encoding/json"
	"time"
)

// Envelope defaults applied when the caller leaves a field empty.
const (
	DefaultEnvelopeType = "academic-data"
	DefaultAuthor       = "anonymous"
	DefaultVersion      = "1.0"

	TypeDocument    = "document"
	TypeChatMessage = "chat-message"
)

// Envelope is the provenance wrapper stored around academic data. Once
// added it is immutable; an update is a new envelope with a new hash.
type Envelope struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Author    string            `json:"author"`
	Version   string            `json:"version"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Metadata describes the data being stored. Extra is copied into the
// envelope's metadata map.
type Metadata struct {
	Type    string
	Author  string
	Version string
	Extra   map[string]string
}

// Document is the data section of a versioned document envelope.
type Document struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
	Size    int    `json:"size"`
}

// StoreResult is returned by StoreEnvelope.
type StoreResult struct {
	Hash       string    `json:"hash"`
	Timestamp  time.Time `json:"timestamp"`
	LocatorURL string    `json:"url"`
	Pinned     bool      `json:"pinned"`
}

// DocumentResult is returned by StoreVersionedDocument.
type DocumentResult struct {
	Hash       string    `json:"hash"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	LocatorURL string    `json:"url"`
}

// StoreOption adjusts a single StoreEnvelope call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	pin bool
}

// WithoutPin leaves the stored envelope unpinned, eligible for collection.
func WithoutPin() StoreOption {
	return func(o *storeOptions) { o.pin = false }
}

func newEnvelope(now time.Time, data json.RawMessage, meta Metadata) Envelope {
	env := Envelope{
		Timestamp: now.UTC(),
		Type:      meta.Type,
		Author:    meta.Author,
		Version:   meta.Version,
		Data:      data,
	}
	if env.Type == "" {
		env.Type = DefaultEnvelopeType
	}
	if env.Author == "" {
		env.Author = DefaultAuthor
	}
	if env.Version == "" {
		env.Version = DefaultVersion
	}
	if len(meta.Extra) > 0 {
		env.Metadata = make(map[string]string, len(meta.Extra))
		for k, v := range meta.Extra {
			env.Metadata[k] = v
		}
	}
	return env
}
