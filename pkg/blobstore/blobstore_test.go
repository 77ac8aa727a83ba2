package blobstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k, err := Key("acme", "6f1c", "out/results.zip")
	require.NoError(t, err)
	assert.Equal(t, "acme/6f1c/results.zip", k)

	k, err = Key("acme", "6f1c", `C:\build\..\results.zip`)
	require.NoError(t, err)
	assert.Equal(t, "acme/6f1c/results.zip", k)

	for _, bad := range [][3]string{
		{"", "g", "a.zip"},
		{"acme", "", "a.zip"},
		{"ac/me", "g", "a.zip"},
		{"..", "g", "a.zip"},
		{"acme", "g/x", "a.zip"},
		{"acme", "g", ".."},
		{"acme", "g", ""},
	} {
		_, err := Key(bad[0], bad[1], bad[2])
		assert.Error(t, err, "%q", bad)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindFile, k)

	k, err = ParseKind("S3")
	require.NoError(t, err)
	assert.Equal(t, KindS3, k)

	_, err = ParseKind("gcs")
	assert.Error(t, err)
}

func TestError(t *testing.T) {
	err := &Error{Op: "Get", Kind: KindS3, Bucket: "b", Key: "a/b.zip", Err: ErrNotFound}
	assert.Equal(t, "s3 Get: b/a/b.zip: blob not found", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsAccessDenied(err))

	fileErr := &Error{Op: "Put", Kind: KindFile, Key: "k", Err: ErrAccessDenied}
	assert.Equal(t, "file Put: k: access denied", fileErr.Error())
	assert.True(t, errors.Is(fileErr, ErrAccessDenied))

	assert.Equal(t, "s3 New: boom", (&Error{Op: "New", Kind: KindS3, Err: errors.New("boom")}).Error())
}
