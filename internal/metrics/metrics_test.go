package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/biomatch/internal/types"
)

func TestObserveBatch(t *testing.T) {
	ok := testutil.ToFloat64(BatchItemsTotal.WithLabelValues("test_op", "Success"))
	dup := testutil.ToFloat64(BatchItemsTotal.WithLabelValues("test_op", "DuplicateId"))
	runs := testutil.ToFloat64(BatchRunsTotal.WithLabelValues("test_op", "BatchFinishedWithErrors"))

	ObserveBatch("test_op", []error{nil, fmt.Errorf("id 1: %w", types.ErrDuplicateID), nil}, types.ErrBatchFinishedWithErrors)

	assert.Equal(t, ok+2, testutil.ToFloat64(BatchItemsTotal.WithLabelValues("test_op", "Success")))
	assert.Equal(t, dup+1, testutil.ToFloat64(BatchItemsTotal.WithLabelValues("test_op", "DuplicateId")))
	assert.Equal(t, runs+1, testutil.ToFloat64(BatchRunsTotal.WithLabelValues("test_op", "BatchFinishedWithErrors")))
}

func TestWriteFile(t *testing.T) {
	GallerySize.WithLabelValues("metrics_test").Set(3)
	path := filepath.Join(t.TempDir(), "biomatch.prom")
	require.NoError(t, WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `biomatch_gallery_templates{gallery="metrics_test"} 3`)

	assert.Error(t, WriteFile(""))
}
