package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/types"
)

func TestIDBitPattern(t *testing.T) {
	for _, id := range []uint64{0, 1, math.MaxInt64, math.MaxInt64 + 1, math.MaxUint64} {
		assert.Equal(t, id, fromDB(toDB(id)))
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// testcontainers can panic when the Docker socket is missing
	var pgContainer *postgres.PostgresContainer
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		pgContainer, err = postgres.Run(ctx, "pgvector/pgvector:pg16",
			postgres.WithDatabase("biomatch_test"),
			postgres.WithUsername("user"),
			postgres.WithPassword("password"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
			testcontainers.WithLogger(noopLogger{}),
		)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	require.NoError(t, err)
	defer s.Close(ctx)

	g, err := gallery.Create([]types.Template{
		types.NewTemplate([]float32{1, 0, 0}, types.SearchGallery),
		types.NewTemplate([]float32{0, 1, 0}, types.SearchGallery),
		types.NewTemplate([]float32{0.9, 0.1, 0}, types.SearchGallery),
	}, []uint64{5, math.MaxUint64, 9})
	require.NoError(t, err)
	require.NoError(t, g.Remove(5)) // 9 moves into position 0

	require.NoError(t, s.SaveGallery(ctx, "staff", g))

	loaded, err := s.LoadGallery(ctx, "staff")
	require.NoError(t, err)
	assert.Equal(t, g.IDs(), loaded.IDs())
	for pos := range g.IDs() {
		assert.Equal(t, g.Vector(pos), loaded.Vector(pos))
	}

	// saving again replaces rather than appends
	require.NoError(t, s.SaveGallery(ctx, "staff", g))
	infos, err := s.ListGalleries(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "staff", infos[0].Name)
	assert.Equal(t, 2, infos[0].Count)
	assert.Equal(t, 3, infos[0].Dimension)

	matches, err := s.Nearest(ctx, "staff", []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.EqualValues(t, 9, matches[0].ID)
	assert.InDelta(t, 0.9939, matches[0].Score, 1e-3)

	all, err := s.Nearest(ctx, "staff", []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, all, g.Len(), "k=0 returns every template")
	for i := 1; i < len(all); i++ {
		assert.GreaterOrEqual(t, all[i-1].Score, all[i].Score)
	}

	require.NoError(t, s.SaveGallery(ctx, "empty", gallery.New()))
	empty, err := s.LoadGallery(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	_, err = s.LoadGallery(ctx, "nobody")
	assert.ErrorIs(t, err, types.ErrMissingID)

	require.NoError(t, s.DeleteGallery(ctx, "staff"))
	assert.ErrorIs(t, s.DeleteGallery(ctx, "staff"), types.ErrMissingID)

	require.NoError(t, s.Reset(ctx))
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
