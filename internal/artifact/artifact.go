// Package artifact stores assembled PDFs.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"path"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

var ErrNotFound = errors.New("artifact: not found")

// Store persists opaque blobs under string keys.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Digest returns the hex blake3 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocumentKey is the content-addressed key for a document's signed PDF.
func DocumentKey(documentID string, data []byte) string {
	return path.Join("documents", documentID, Digest(data)+".pdf")
}

// UploadKey is the content-addressed key for a file uploaded by an owner.
// The original file name is kept after the digest in sanitised form.
func UploadKey(ownerID, filename string, data []byte) string {
	return path.Join("uploads", ownerID, Digest(data)[:32]+"-"+SafeName(filename))
}

// SafeName reduces a client supplied file name to a single path segment of
// letters, digits, dots, dashes and underscores.
func SafeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, strings.TrimSpace(name))
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "file"
	}
	return name
}

// Memory keeps artifacts in process memory.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}
