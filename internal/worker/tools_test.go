package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionMatches(t *testing.T) {
	assert.True(t, versionMatches("4.5.1", "4.5.1"))
	assert.True(t, versionMatches("4.5", "4.5.1"))
	assert.True(t, versionMatches("4", "4.5.1"))
	assert.False(t, versionMatches("4.5", "4.50.0"), "prefix must end on a component boundary")
	assert.False(t, versionMatches("4.5", "4.4.3"))
	assert.False(t, versionMatches("4.5.1", "4.5"))
}

func TestResolveVersion(t *testing.T) {
	installed := []string{"4.2.0", "4.5.1", "4.5.3", "4.50.0"}

	assert.Equal(t, "4.5.3", resolveVersion("4.5", installed))
	assert.Equal(t, "4.5.1", resolveVersion("4.5.1", installed))
	assert.Equal(t, "4.50.0", resolveVersion("4.50", installed))
	assert.Equal(t, "4.50.0", resolveVersion("4", installed))
	assert.Equal(t, "", resolveVersion("3.6", installed))
	assert.Equal(t, "", resolveVersion("4.5", nil))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, compareVersions("4.5.1", "4.5.1"))
	assert.Equal(t, 1, compareVersions("4.5.2", "4.5.1"))
	assert.Equal(t, -1, compareVersions("4.5", "4.5.1"))
	assert.Equal(t, 1, compareVersions("4.10.0", "4.9.9"))
	assert.Equal(t, 1, compareVersions("5", "4.9.9"))
}

func TestPickRelease(t *testing.T) {
	catalog := &Catalog{Releases: []CatalogRelease{
		{Version: "4.5.1", OS: "linux", Arch: "x64", URL: "https://example.com/a.tar.xz"},
		{Version: "4.5.3", OS: "linux", Arch: "x64", URL: "https://example.com/b.tar.xz"},
		{Version: "4.5.3", OS: "windows", Arch: "x64", URL: "https://example.com/c.zip"},
	}}

	r := pickRelease(catalog, "4.5")
	if assert.NotNil(t, r) {
		assert.Equal(t, "4.5.3", r.Version)
	}
	assert.Nil(t, pickRelease(catalog, "3.6"))
}

func TestArchiveExt(t *testing.T) {
	assert.Equal(t, ".tar.xz", archiveExt("https://example.com/blender-4.5.1-linux-x64.tar.xz"))
	assert.Equal(t, ".tar.gz", archiveExt("https://example.com/b.tar.gz"))
	assert.Equal(t, ".zip", archiveExt("https://example.com/b.zip"))
}

func TestSafeJoin(t *testing.T) {
	target, err := safeJoin("/tools/blender-4.5.1", "blender-4.5.1/blender")
	assert.NoError(t, err)
	assert.Contains(t, target, "blender-4.5.1")

	_, err = safeJoin("/tools/blender-4.5.1", "../../etc/passwd")
	assert.Error(t, err)
}
