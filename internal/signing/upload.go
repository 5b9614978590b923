package signing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"docsign.org/internal/artifact"
	"docsign.org/internal/audit"
)

// MaxUploadBytes caps a single uploaded file.
const MaxUploadBytes = 16 << 20

// Upload describes a stored owner file.
type Upload struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int    `json:"size"`
}

// StoreUpload saves a file for ownerID in the artifact store. Identical
// content under the same name maps to the same key.
func (e *Engine) StoreUpload(ctx context.Context, ownerID, filename string, data []byte) (Upload, error) {
	if ownerID == "" {
		return Upload{}, ErrUnauthorized
	}
	if strings.TrimSpace(filename) == "" || len(data) == 0 {
		return Upload{}, fmt.Errorf("%w: file is required", ErrInvalidInput)
	}
	if len(data) > MaxUploadBytes {
		return Upload{}, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, MaxUploadBytes)
	}
	if e.artifacts == nil {
		return Upload{}, fmt.Errorf("%w: no artifact store configured", ErrStorage)
	}

	up := Upload{
		Key:         artifact.UploadKey(ownerID, filename, data),
		Filename:    artifact.SafeName(filename),
		ContentType: http.DetectContentType(data),
		Size:        len(data),
	}
	if err := e.artifacts.Put(ctx, up.Key, data, up.ContentType); err != nil {
		return Upload{}, fmt.Errorf("%w: store upload: %v", ErrStorage, err)
	}
	_ = audit.LogEvent(ctx, "file.uploaded", map[string]any{
		"key":          up.Key,
		"content_type": up.ContentType,
		"size":         up.Size,
	})
	return up, nil
}
