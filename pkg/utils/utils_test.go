package utils_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/event-pipeline/pkg/utils"
)

func TestDigest(t *testing.T) {
	sha, err := utils.Digest(utils.HashSHA256, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sha)

	b3, err := utils.Digest(utils.HashBLAKE3, []byte("abc"))
	require.NoError(t, err)
	assert.Len(t, b3, 64)
	assert.NotEqual(t, sha, b3)

	_, err = utils.Digest("md4", []byte("abc"))
	assert.Error(t, err)
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base, rel, want string
	}{
		{"https://example.com/events/", "42", "https://example.com/events/42"},
		{"https://example.com/events/", "/e/42", "https://example.com/e/42"},
		{"https://example.com/events/", " https://other.org/x ", "https://other.org/x"},
	}
	for _, tt := range tests {
		got, err := utils.ResolveURL(tt.base, tt.rel)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
