// Package attachment holds the immutable image a user selects for a turn.
package attachment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes is the selection ceiling used when no limit is configured (10MB).
const DefaultMaxBytes int64 = 10 * 1024 * 1024

// ErrInvalidAttachment is returned when an image fails selection rules.
var ErrInvalidAttachment = errors.New("invalid attachment")

// Limits bounds what a user may attach.
type Limits struct {
	MaxBytes int64
}

// DefaultLimits returns the 10MB ceiling.
func DefaultLimits() Limits {
	return Limits{MaxBytes: DefaultMaxBytes}
}

// Image is a user-selected image. It is never mutated after New returns.
type Image struct {
	name     string
	mimeType string
	data     []byte
	preview  string
}

// New validates and copies data into an Image.
func New(name, mimeType string, data []byte, limits Limits) (*Image, error) {
	mt, err := normalizeMIME(mimeType)
	if err != nil {
		return nil, err
	}
	if err := checkSize(int64(len(data)), limits); err != nil {
		return nil, err
	}

	owned := make([]byte, len(data))
	copy(owned, data)

	return &Image{
		name:     name,
		mimeType: mt,
		data:     owned,
		preview:  "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(owned),
	}, nil
}

// FromReader reads at most limits.MaxBytes+1 bytes so oversized uploads fail without
// buffering the whole stream.
func FromReader(name, mimeType string, r io.Reader, limits Limits) (*Image, error) {
	max := limits.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniff(name, data)
	}
	return New(name, mimeType, data, limits)
}

// FromFile loads an image from disk, sniffing its MIME type.
func FromFile(path string, limits Limits) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return FromReader(filepath.Base(path), "", f, limits)
}

func sniff(name string, data []byte) string {
	mt := http.DetectContentType(data)
	if strings.HasPrefix(mt, "image/") {
		return mt
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	return mt
}

func normalizeMIME(mimeType string) (string, error) {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: unreadable mime type %q", ErrInvalidAttachment, mimeType)
	}
	if !strings.HasPrefix(mt, "image/") || mt == "image/" {
		return "", fmt.Errorf("%w: %q is not an image", ErrInvalidAttachment, mt)
	}
	return mt, nil
}

func checkSize(size int64, limits Limits) error {
	max := limits.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if size == 0 {
		return fmt.Errorf("%w: empty image", ErrInvalidAttachment)
	}
	if size > max {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidAttachment, size, max)
	}
	return nil
}

// Validate re-checks the image against limits, which may be stricter than the ones
// it was created with.
func (i *Image) Validate(limits Limits) error {
	if i == nil {
		return fmt.Errorf("%w: nil image", ErrInvalidAttachment)
	}
	if _, err := normalizeMIME(i.mimeType); err != nil {
		return err
	}
	return checkSize(i.Size(), limits)
}

func (i *Image) Name() string     { return i.name }
func (i *Image) MIMEType() string { return i.mimeType }
func (i *Image) Size() int64      { return int64(len(i.data)) }

// Preview is a data URL suitable for display.
func (i *Image) Preview() string { return i.preview }

// Bytes returns a copy of the image data.
func (i *Image) Bytes() []byte {
	out := make([]byte, len(i.data))
	copy(out, i.data)
	return out
}

// Reader streams the image data without copying it.
func (i *Image) Reader() io.Reader {
	return bytes.NewReader(i.data)
}

// Base64 returns the standard base64 encoding of the data.
func (i *Image) Base64() string {
	return strings.TrimPrefix(i.preview, "data:"+i.mimeType+";base64,")
}
