package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldEncrypt(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{path: "/user1/files/foo.txt", expected: true},
		{path: "/user1/files_versions/foo.txt", expected: true},
		{path: "/user1/files_trashbin/foo.txt", expected: true},
		{path: "/user1/files/dir/sub/foo.txt", expected: true},
		{path: "user1/files/foo.txt", expected: true},
		{path: "/user1/files", expected: false},
		{path: "/user1/files/", expected: false},
		{path: "/user1/foo.txt", expected: false},
		{path: "/user1/cache/foo.txt", expected: false},
		{path: "/user1/files_encryption/keys/foo.txt", expected: false},
		{path: "/user1", expected: false},
		{path: "/", expected: false},
		{path: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, ShouldEncrypt(tt.path))
		})
	}
}

func TestRealPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "live file", path: "/user/files/foo.txt", expected: "/user/files/foo.txt"},
		{name: "version", path: "/user/files_versions/foo.txt.v543534", expected: "/user/files/foo.txt"},
		{name: "nested version", path: "/user/files_versions/dir/foo.txt.v1", expected: "/user/files/dir/foo.txt"},
		{name: "version without suffix", path: "/user/files_versions/foo.txt", expected: "/user/files/foo.txt"},
		{name: "trashed file", path: "/user/files_trashbin/files/foo.txt.d1234", expected: "/user/files/foo.txt"},
		{name: "trashed folder content", path: "/user/files_trashbin/files/dir.d1234/foo.txt", expected: "/user/files/dir/foo.txt"},
		{name: "trashed version", path: "/user/files_trashbin/versions/foo.txt.v12.d1234", expected: "/user/files/foo.txt"},
		{name: "trash root", path: "/user/files_trashbin/files", expected: "/user/files_trashbin/files"},
		{name: "unrelated", path: "/user/cache/foo.txt", expected: "/user/cache/foo.txt"},
		{name: "short", path: "/user/files", expected: "/user/files"},
		{name: "v inside name untouched", path: "/user/files/foo.v1.txt", expected: "/user/files/foo.v1.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RealPath(tt.path))
		})
	}
}

func TestStripPartialFileExtension(t *testing.T) {
	assert.Equal(t, "/user/files/foo.txt", StripPartialFileExtension("/user/files/foo.txt.ocTransferId1234.part"))
	assert.Equal(t, "/user/files/foo.txt", StripPartialFileExtension("/user/files/foo.txt.part"))
	assert.Equal(t, "/user/files/foo.txt", StripPartialFileExtension("/user/files/foo.txt"))

	assert.True(t, IsPartialFile("/user/files/foo.txt.part"))
	assert.False(t, IsPartialFile("/user/files/foo.txt"))
}

func TestUIDAndFilename(t *testing.T) {
	uid, filename, ok := UIDAndFilename("/user1/files/dir/foo.txt")
	assert.True(t, ok)
	assert.Equal(t, "user1", uid)
	assert.Equal(t, "dir/foo.txt", filename)

	_, _, ok = UIDAndFilename("/")
	assert.False(t, ok)

	assert.Equal(t, "user2", Owner("/user2/files_versions/a.v1"))
	assert.Equal(t, "", Owner(""))
}
