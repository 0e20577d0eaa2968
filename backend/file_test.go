package backend

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresignGetWithoutDriver(t *testing.T) {
	// without an object storage driver downloads must answer an API error,
	// never reach the driver
	b := &Backend{}

	_, err := b.presignGet("3tr/dataset1/counts.csv_uploadedVersion_1.csv", time.Hour)
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "object storage is not configured", apiErr.Message)
}

func TestVersionedFileName(t *testing.T) {
	assert.Equal(t, "counts.csv_uploadedVersion_1.csv", versionedFileName("counts.csv", 1))
	assert.Equal(t, "counts.norm.tsv_uploadedVersion_12.tsv", versionedFileName("counts.norm.tsv", 12))
	assert.Equal(t, "README_uploadedVersion_1.", versionedFileName("README", 1))
}

func TestSplitVersionedFileName(t *testing.T) {
	name, version, ok := splitVersionedFileName("counts.csv_uploadedVersion_1.csv")
	require.True(t, ok)
	assert.Equal(t, "counts.csv", name)
	assert.Equal(t, int64(1), version)

	name, version, ok = splitVersionedFileName("counts.norm.tsv_uploadedVersion_12.tsv")
	require.True(t, ok)
	assert.Equal(t, "counts.norm.tsv", name)
	assert.Equal(t, int64(12), version)

	_, _, ok = splitVersionedFileName("counts.csv")
	assert.False(t, ok, "no version marker")

	_, _, ok = splitVersionedFileName("counts.csv_uploadedVersion_x.csv")
	assert.False(t, ok, "version is not a number")
}

func TestVersionedFileNameRoundTrip(t *testing.T) {
	for _, name := range []string{"counts.csv", "data.rds", "matrix.h5ad", "counts.norm.tsv"} {
		for _, version := range []int64{1, 2, 17} {
			got, gotVersion, ok := splitVersionedFileName(versionedFileName(name, version))
			require.True(t, ok)
			assert.Equal(t, name, got)
			assert.Equal(t, version, gotVersion)
		}
	}
}

func TestPresignedURLExpired(t *testing.T) {
	urlWithDate := func(at time.Time) string {
		return fmt.Sprintf("https://bucket.s3.amazonaws.com/key?X-Amz-Date=%s&X-Amz-Expires=604800",
			at.Format("20060102T150405Z"))
	}

	assert.False(t, presignedURLExpired(urlWithDate(time.Now().UTC())))
	assert.False(t, presignedURLExpired(urlWithDate(time.Now().UTC().Add(-presignExpiry/2))))
	assert.True(t, presignedURLExpired(urlWithDate(time.Now().UTC().Add(-presignExpiry-time.Hour))))

	assert.True(t, presignedURLExpired("https://bucket.s3.amazonaws.com/key"), "no signing date")
	assert.True(t, presignedURLExpired("https://bucket.s3.amazonaws.com/key?X-Amz-Date=yesterday"), "unparsable date")
	assert.True(t, presignedURLExpired("regenerate"))
}
