package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver_Resolve(t *testing.T) {
	project := int64(5)
	r, err := NewStaticResolver([]Token{
		{Name: "ci", Secret: "s3cret-acme", TenantID: "acme"},
		{Secret: Digest("globex-token"), TenantID: "globex", ProjectID: &project},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	ctx := context.Background()

	p, err := r.Resolve(ctx, "s3cret-acme")
	require.NoError(t, err)
	assert.Equal(t, Principal{TenantID: "acme", Name: "ci"}, p)

	p, err = r.Resolve(ctx, "globex-token")
	require.NoError(t, err, "digest-configured tokens resolve from the raw token")
	assert.Equal(t, "globex", p.TenantID)
	assert.Equal(t, &project, p.ProjectID)
	assert.Equal(t, "token-1", p.Name)

	for _, bad := range []string{"", "  ", "S3CRET-ACME", Digest("globex-token"), "s3cret-acme "+"x"} {
		_, err := r.Resolve(ctx, bad)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", bad)
	}
}

func TestNewStaticResolver_Invalid(t *testing.T) {
	_, err := NewStaticResolver([]Token{{Secret: "x"}})
	assert.ErrorContains(t, err, "tenant is required")

	_, err = NewStaticResolver([]Token{{TenantID: "acme"}})
	assert.ErrorContains(t, err, "token is required")

	_, err = NewStaticResolver([]Token{{Secret: "sha256:abcd", TenantID: "acme"}})
	assert.ErrorContains(t, err, "invalid sha256 digest")

	r, err := NewStaticResolver(nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer   abc  ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer   ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := BearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, "header %q", tt.header)
		assert.Equal(t, tt.want, got, "header %q", tt.header)
	}
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{TenantID: "acme"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "acme", p.TenantID)
}
