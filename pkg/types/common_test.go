package types

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_IsValid(t *testing.T) {
	tests := []struct {
		name  string
		input Hash
		want  bool
	}{
		{
			name:  "Valid Hash (64 chars)",
			input: Hash(strings.Repeat("a", 64)),
			want:  true,
		},
		{
			name:  "Too Short",
			input: Hash("abc"),
			want:  false,
		},
		{
			name:  "Empty",
			input: Hash(""),
			want:  false,
		},
		{
			name:  "Too Long",
			input: Hash(strings.Repeat("a", 65)),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.input.IsValid())
		})
	}
}

func TestHash_Raw(t *testing.T) {
	sum := sha256.Sum256([]byte("hello"))
	h := HashFromRaw(sum)
	require.True(t, h.IsValid())

	raw, err := h.Raw()
	require.NoError(t, err)
	assert.Equal(t, sum, raw)

	// 非法编码必须返回 ErrMalformedHash
	bad := []Hash{
		"",
		"abc",
		Hash(strings.Repeat("g", 64)),  // 非 hex 字符
		Hash(strings.ToUpper(string(h))), // 大写不是规范编码
		Hash(strings.Repeat("a", 63)),
		Hash(strings.Repeat("a", 65)),
	}
	for _, b := range bad {
		_, err := b.Raw()
		assert.ErrorIs(t, err, ErrMalformedHash, "input %q", b)
	}
}

func TestParseHash_RoundTrip(t *testing.T) {
	h := HashOf([]byte("chunk data"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("not-a-hash")
	assert.ErrorIs(t, err, ErrMalformedHash)
}

func TestHash_Short(t *testing.T) {
	h := Hash(strings.Repeat("ab", 32))
	assert.Equal(t, HashPrefix("abababababab"), h.Short())
	assert.Equal(t, HashPrefix("ab"), Hash("ab").Short())
}
