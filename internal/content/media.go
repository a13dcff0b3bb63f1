package content

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	// Registered decoders for dimension extraction on image uploads.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

const defaultMaxUploadSize = 5 * 1024 * 1024

// ErrInvalidMedia indicates an upload that fails validation. The wrapped
// message is actionable per file and surfaces in batch-upload error entries.
var ErrInvalidMedia = errors.New("content: invalid media")

// MediaPolicy bounds what uploads are accepted. Passed in at construction;
// there is no ambient global limit.
type MediaPolicy struct {
	MaxSize             int64
	AllowedContentTypes []string
}

// DefaultMediaPolicy mirrors the usual deployment limits.
func DefaultMediaPolicy() MediaPolicy {
	return MediaPolicy{
		MaxSize: defaultMaxUploadSize,
		AllowedContentTypes: []string{
			"image/jpeg", "image/png", "image/gif", "video/mp4",
		},
	}
}

func (p MediaPolicy) allows(contentType string) bool {
	if len(p.AllowedContentTypes) == 0 {
		return true
	}
	for _, allowed := range p.AllowedContentTypes {
		if strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

// Upload is one file presented for attachment.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// validateUpload checks an upload against the policy and, for image content
// types, requires a successful decode to extract dimensions.
func validateUpload(policy MediaPolicy, upload Upload) (width, height *int, err error) {
	size := int64(len(upload.Data))
	if size == 0 {
		return nil, nil, fmt.Errorf("%w: empty file", ErrInvalidMedia)
	}
	maxSize := policy.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxUploadSize
	}
	if size > maxSize {
		return nil, nil, fmt.Errorf("%w: exceeds maximum size of %d bytes", ErrInvalidMedia, maxSize)
	}
	if !policy.allows(upload.ContentType) {
		return nil, nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidMedia, upload.ContentType)
	}
	if strings.HasPrefix(strings.ToLower(upload.ContentType), "image/") {
		config, _, decodeErr := image.DecodeConfig(bytes.NewReader(upload.Data))
		if decodeErr != nil {
			return nil, nil, fmt.Errorf("%w: undecodable image", ErrInvalidMedia)
		}
		w, h := config.Width, config.Height
		return &w, &h, nil
	}
	return nil, nil, nil
}
