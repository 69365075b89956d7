package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetVersionInfoWithValues(t *testing.T) {
	t.Parallel()

	t.Run("release_build", func(t *testing.T) {
		t.Parallel()

		info := getVersionInfoWithValues("1.2.0", "abcdef1234567890", "2025-06-01T12:00:00Z")
		assert.Equal(t, "1.2.0", info.Version)
		assert.Equal(t, "abcdef1234567890", info.Commit)
		assert.Equal(t, "2025-06-01 12:00:00 UTC", info.BuildDate)
		assert.NotEmpty(t, info.GoVersion)
		assert.Contains(t, info.Platform, "/")
	})

	t.Run("dev_build_named_after_commit", func(t *testing.T) {
		t.Parallel()

		info := getVersionInfoWithValues("dev", "abcdef1234567890", "2025-06-01T12:00:00Z")
		assert.Equal(t, "build-abcdef12", info.Version)
	})

	t.Run("unparseable_build_date_kept", func(t *testing.T) {
		t.Parallel()

		info := getVersionInfoWithValues("1.0.0", "abc", "not-a-date")
		assert.Equal(t, "not-a-date", info.BuildDate)
	})
}
