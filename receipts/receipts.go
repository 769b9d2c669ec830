// Package receipts stores images of advance-payment receipts.
package receipts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
	"github.com/warp/booking-engine/domain"
)

// BlobStore keeps receipt images and hands back where they live.
type BlobStore interface {
	Upload(ctx context.Context, r io.Reader, name string) (domain.Receipt, error)
	Delete(ctx context.Context, publicID string) error
}

// =============================================================================
// CLOUDINARY
// =============================================================================

type Cloudinary struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinary connects with account credentials; folder groups uploads.
func NewCloudinary(cloudName, apiKey, apiSecret, folder string) (*Cloudinary, error) {
	cld, err := cloudinary.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	return &Cloudinary{cld: cld, folder: folder}, nil
}

func (c *Cloudinary) Upload(ctx context.Context, r io.Reader, name string) (domain.Receipt, error) {
	res, err := c.cld.Upload.Upload(ctx, r, uploader.UploadParams{Folder: c.folder})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("upload receipt %s: %w", name, err)
	}
	if res.PublicID == "" {
		return domain.Receipt{}, fmt.Errorf("upload receipt %s: no public id returned", name)
	}
	return domain.Receipt{URL: res.SecureURL, PublicID: res.PublicID, UploadedAt: time.Now()}, nil
}

func (c *Cloudinary) Delete(ctx context.Context, publicID string) error {
	if _, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID}); err != nil {
		return fmt.Errorf("delete receipt %s: %w", publicID, err)
	}
	return nil
}

// =============================================================================
// IN-MEMORY - For tests and demos
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Upload(_ context.Context, r io.Reader, _ string) (domain.Receipt, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return domain.Receipt{}, err
	}
	id := "receipts/" + uuid.NewString()
	m.mu.Lock()
	m.blobs[id] = buf.Bytes()
	m.mu.Unlock()
	return domain.Receipt{URL: "memory://" + id, PublicID: id, UploadedAt: time.Now()}, nil
}

func (m *Memory) Delete(_ context.Context, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[publicID]; !ok {
		return &domain.NotFoundError{Kind: "receipt", ID: publicID}
	}
	delete(m.blobs, publicID)
	return nil
}

// Len reports how many receipts are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
