// Package memory keeps archived objects in memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Object is one archived upload.
type Object struct {
	ContentType string
	Data        []byte
}

// Archive stores uploads keyed by path.
type Archive struct {
	mu      sync.RWMutex
	objects map[string]Object
	// Err, when set, fails every upload.
	Err error
}

// New returns an empty Archive.
func New() *Archive {
	return &Archive{objects: make(map[string]Object)}
}

// PutObject stores r under path and returns a memory:// URI.
func (a *Archive) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if a.Err != nil {
		return "", a.Err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	a.mu.Lock()
	a.objects[path] = Object{ContentType: contentType, Data: data}
	a.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns the object stored at path.
func (a *Archive) Get(path string) (Object, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[path]
	return obj, ok
}

// Paths lists stored object paths in order.
func (a *Archive) Paths() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.objects))
	for p := range a.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
