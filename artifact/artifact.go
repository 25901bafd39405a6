/*
Package artifact provides file-based engine.Encoder implementations.

PURPOSE:
  Renders a bucket snapshot into a document, writes it under a directory
  and reports location, size and SHA-256 checksum back to the dispatcher.

FORMATS:
  xlsx: summary sheet plus one row per claim (excelize)
  pdf:  check register page with the claim table (gofpdf)

Files are named <bucket>-<attempt>.<ext> and written through a temp file
plus rename, so a reader never sees a half-written artifact. A retried
generation gets a new attempt number and never overwrites the earlier file.
*/
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/warp/claim-bucketing/engine"
)

// Format names an output format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// renderFunc turns a snapshot into document bytes.
type renderFunc func(snap engine.BucketSnapshot) ([]byte, error)

// FileEncoder renders with one format and writes into Dir.
type FileEncoder struct {
	Dir         string
	format      Format
	contentType string
	render      renderFunc
	now         func() time.Time
}

// NewEncoder returns the encoder for format writing into dir.
func NewEncoder(format Format, dir string) (*FileEncoder, error) {
	switch format {
	case FormatXLSX:
		return NewXLSXEncoder(dir), nil
	case FormatPDF:
		return NewPDFEncoder(dir), nil
	default:
		return nil, fmt.Errorf("unknown artifact format %q", format)
	}
}

func (e *FileEncoder) Format() Format {
	return e.format
}

// Encode implements engine.Encoder.
func (e *FileEncoder) Encode(ctx context.Context, snap engine.BucketSnapshot) (engine.ArtifactMetadata, error) {
	data, err := e.render(snap)
	if err != nil {
		return engine.ArtifactMetadata{}, fmt.Errorf("render %s: %w", e.format, err)
	}
	if err := ctx.Err(); err != nil {
		return engine.ArtifactMetadata{}, err
	}

	name := fmt.Sprintf("%s-%d.%s", snap.Bucket.ID, snap.Bucket.Attempts, e.format)
	path := filepath.Join(e.Dir, name)
	if err := writeFile(e.Dir, path, data); err != nil {
		return engine.ArtifactMetadata{}, err
	}

	sum := sha256.Sum256(data)
	return engine.ArtifactMetadata{
		Location:    path,
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		ContentType: e.contentType,
		Size:        int64(len(data)),
		GeneratedAt: e.now().UTC(),
	}, nil
}

func writeFile(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := bytes.NewReader(data).WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
