package receipts_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/domain"
	"github.com/warp/booking-engine/receipts"
)

func TestMemory_UploadAndDelete(t *testing.T) {
	// GIVEN: An empty in-memory blob store
	// WHEN: Uploading a receipt and deleting it twice
	// THEN: The first delete frees it, the second reports not found
	m := receipts.NewMemory()
	ctx := context.Background()

	r, err := m.Upload(ctx, strings.NewReader("png bytes"), "receipt.png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.PublicID, "receipts/"))
	assert.Equal(t, "memory://"+r.PublicID, r.URL)
	assert.False(t, r.UploadedAt.IsZero())
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Delete(ctx, r.PublicID))
	assert.Equal(t, 0, m.Len())

	err = m.Delete(ctx, r.PublicID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_DistinctIDs(t *testing.T) {
	m := receipts.NewMemory()
	a, err := m.Upload(context.Background(), strings.NewReader("a"), "a.jpg")
	require.NoError(t, err)
	b, err := m.Upload(context.Background(), strings.NewReader("b"), "a.jpg")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicID, b.PublicID, "same file name, separate blobs")
	assert.Equal(t, 2, m.Len())
}

func TestBlobStores_SatisfyInterface(t *testing.T) {
	var _ receipts.BlobStore = receipts.NewMemory()
	var _ receipts.BlobStore = (*receipts.Cloudinary)(nil)
}
