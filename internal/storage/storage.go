// Package storage uploads published invoice documents to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ObjectStore persists binary objects and returns the URL they are served from.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// InvoiceKey builds the object key for a published invoice PDF:
// <invoiceNumber>/<unix millis>.pdf.
func InvoiceKey(invoiceNumber string, at time.Time) string {
	number := strings.Trim(strings.TrimSpace(invoiceNumber), "/")
	if number == "" {
		number = "unnumbered"
	}
	return fmt.Sprintf("%s/%d.pdf", number, at.UnixMilli())
}

// PublicURL joins a public base URL with an object key, escaping each path segment.
func PublicURL(base, key string) string {
	segments := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// Object is a stored blob held by MemoryStore.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in process memory. It is used for local
// development when no bucket is configured and in tests.
type MemoryStore struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]Object
}

// NewMemoryStore returns an empty in-memory store serving URLs under baseURL.
func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{BaseURL: baseURL, objects: make(map[string]Object)}
}

// Upload implements ObjectStore.
func (m *MemoryStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(key) == "" {
		return "", errors.New("storage: key is required")
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	if m.objects == nil {
		m.objects = make(map[string]Object)
	}
	m.objects[key] = Object{Data: buf, ContentType: contentType}
	m.mu.Unlock()

	base := m.BaseURL
	if base == "" {
		base = "memory://invoices"
	}
	return PublicURL(base, key), nil
}

// Get returns a stored object.
func (m *MemoryStore) Get(key string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}

// Keys lists stored object keys.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
