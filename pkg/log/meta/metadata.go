package meta

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// metadata is a mutable bag shared by every context derived from the one Begin returned.
type metadata struct {
	carrier map[interface{}]interface{}
	mu      sync.RWMutex
}

func (c *metadata) Value(key interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.carrier[key]
}

func (c *metadata) WithValue(key, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carrier[key] = value
}

type contextKey struct{}

var metaContextKey = contextKey{}

// Begin attaches a metadata bag to parent. Call it close to the root context.
// When parent already carries one, parent is returned unchanged.
func Begin(parent context.Context) context.Context {
	if parent.Value(metaContextKey) != nil {
		return parent
	}
	return context.WithValue(parent, metaContextKey, &metadata{
		carrier: make(map[interface{}]interface{}),
	})
}

func metadataFrom(parent context.Context) *metadata {
	value := parent.Value(metaContextKey)
	if value == nil {
		logrus.Debug("meta not found from context, should call meta.Begin() first?")
		return nil
	}
	return value.(*metadata)
}

// WithValue stores key/val in the bag carried by parent.
func WithValue(parent context.Context, key, val interface{}) {
	if m := metadataFrom(parent); m != nil {
		m.WithValue(key, val)
	}
}

// Value reads key from the bag carried by parent.
func Value(parent context.Context, key interface{}) interface{} {
	m := metadataFrom(parent)
	if m == nil {
		return nil
	}
	return m.Value(key)
}

type connKey struct{}

// WithConnID tags the context with the bridge connection id for log lines.
func WithConnID(parent context.Context, connID string) {
	WithValue(parent, connKey{}, connID)
}

// ConnID returns the bridge connection id, or "" when none was recorded.
func ConnID(parent context.Context) string {
	id, _ := Value(parent, connKey{}).(string)
	return id
}
