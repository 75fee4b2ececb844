// Package crdt bridges the board's rich-text fields to an automerge document. Updates are opaque
// byte deltas: the server buffers, merges and persists them without interpreting their contents.
package crdt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded or applied.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidState indicates that a saved document could not be loaded.
	ErrInvalidState = errors.New("crdt: invalid state")
)

// Document is a concurrency-safe automerge document holding one board's rich-text state.
type Document struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	hooks []func(update []byte)
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{doc: automerge.New()}
}

// LoadDocument restores a document from its encoded state, which may be a saved document followed
// by any number of change chunks. Empty state yields an empty document.
func LoadDocument(state []byte) (*Document, error) {
	doc := automerge.New()
	if len(state) == 0 {
		return &Document{doc: doc}, nil
	}
	if err := doc.LoadIncremental(state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return &Document{doc: doc}, nil
}

// OnUpdate registers a hook invoked with every successfully applied update.
func (d *Document) OnUpdate(hook func(update []byte)) {
	if hook == nil {
		return
	}
	d.mu.Lock()
	d.hooks = append(d.hooks, hook)
	d.mu.Unlock()
}

// ApplyUpdate merges an incremental update into the document.
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	hooks := append([]func([]byte){}, d.hooks...)
	d.mu.Unlock()

	for _, hook := range hooks {
		hook(update)
	}
	return nil
}

// EncodeState returns the full saved document.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// MergeUpdates appends second to first. Automerge chunks concatenate, so the result applies both
// deltas in order even when second depends on changes carried by first.
func MergeUpdates(first, second []byte) []byte {
	merged := make([]byte, 0, len(first)+len(second))
	merged = append(merged, first...)
	return append(merged, second...)
}

// MergeAll concatenates updates in order.
func MergeAll(updates [][]byte) []byte {
	var merged []byte
	for _, update := range updates {
		merged = MergeUpdates(merged, update)
	}
	return merged
}

// Compact replays updates in order into a fresh document and returns its saved state.
func Compact(updates [][]byte) ([]byte, error) {
	doc := automerge.New()
	for _, update := range updates {
		if len(update) == 0 {
			continue
		}
		if err := doc.LoadIncremental(update); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
	}
	return doc.Save(), nil
}

// EncodeUpdate renders an update for the JSON wire protocol.
func EncodeUpdate(update []byte) string {
	return base64.StdEncoding.EncodeToString(update)
}

// DecodeUpdate parses a base64 update received from a client.
func DecodeUpdate(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidUpdate)
	}
	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidUpdate)
	}
	return raw, nil
}

// Hash returns the hex sha256 digest used to deduplicate stored updates.
func Hash(update []byte) string {
	sum := sha256.Sum256(update)
	return hex.EncodeToString(sum[:])
}
