package blob_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/medscanhq/segpipe/internal/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PutGetRoundtrip(t *testing.T) {
	s := blob.NewMemoryStore()
	ctx := context.Background()

	payload := []byte("volume bytes")
	require.NoError(t, s.Put(ctx, "studies/x/volume", bytes.NewReader(payload), int64(len(payload))))

	rc, err := s.Get(ctx, "studies/x/volume")
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	s := blob.NewMemoryStore()

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestMemoryStore_ExistsAndDelete(t *testing.T) {
	s := blob.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v"), 1))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "k"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a missing object is a no-op.
	assert.NoError(t, s.Delete(ctx, "k"))
}

func TestMemoryStore_PresignRequiresObject(t *testing.T) {
	s := blob.NewMemoryStore()
	ctx := context.Background()

	_, err := s.Presign(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v"), 1))
	url, err := s.Presign(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}

func TestKeys_Deterministic(t *testing.T) {
	jobID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	studyID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t, "studies/22222222-2222-2222-2222-222222222222/volume", blob.StudyVolumeKey(studyID))
	assert.Equal(t, "jobs/11111111-1111-1111-1111-111111111111/segmentation", blob.ArtifactKey(jobID, "segmentation"))
	assert.Equal(t, "jobs/11111111-1111-1111-1111-111111111111/aligned_volume", blob.ArtifactKey(jobID, "aligned_volume"))
	assert.Equal(t, "jobs/11111111-1111-1111-1111-111111111111/.complete", blob.CompletionMarkerKey(jobID))
}

func TestKeys_NonColliding(t *testing.T) {
	jobID := uuid.New()
	keys := map[string]bool{
		blob.ArtifactKey(jobID, "segmentation"):   true,
		blob.ArtifactKey(jobID, "aligned_volume"): true,
		blob.CompletionMarkerKey(jobID):           true,
		blob.StudyVolumeKey(jobID):                true,
	}
	assert.Len(t, keys, 4)
}
