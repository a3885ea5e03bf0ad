package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec("access-secret", "refresh-secret", "csrf-secret", 15*time.Minute, 7*24*time.Hour)
	require.NoError(t, err)
	return codec
}

func TestNewCodec(t *testing.T) {
	t.Run("rejects missing secrets", func(t *testing.T) {
		_, err := NewCodec("", "refresh", "csrf", time.Minute, time.Hour)
		assert.Error(t, err)
	})

	t.Run("rejects non-positive ttl", func(t *testing.T) {
		_, err := NewCodec("a", "b", "c", 0, time.Hour)
		assert.Error(t, err)
	})
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	codec := testCodec(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, kind := range []Kind{KindAccess, KindRefresh, KindCSRF} {
		t.Run(string(kind), func(t *testing.T) {
			signed, err := codec.Issue(kind, "user-1", now)
			require.NoError(t, err)

			claims, err := codec.Verify(kind, signed, now)
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.UserID)
			assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
			assert.Equal(t, now.Add(codec.TTL(kind)).Unix(), claims.ExpiresAt.Unix())
		})
	}
}

func TestVerifyExpiry(t *testing.T) {
	codec := testCodec(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	signed, err := codec.Issue(KindAccess, "user-1", now)
	require.NoError(t, err)

	t.Run("valid just before expiry", func(t *testing.T) {
		_, err := codec.Verify(KindAccess, signed, now.Add(codec.AccessTTL()-time.Second))
		assert.NoError(t, err)
	})

	t.Run("expired just after expiry", func(t *testing.T) {
		_, err := codec.Verify(KindAccess, signed, now.Add(codec.AccessTTL()+time.Second))
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func TestVerifySecretsAreIndependent(t *testing.T) {
	codec := testCodec(t)
	now := time.Now().UTC()

	csrf, err := codec.Issue(KindCSRF, "user-1", now)
	require.NoError(t, err)

	// A csrf token must never pass as an access token.
	_, err = codec.Verify(KindAccess, csrf, now)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec := testCodec(t)
	now := time.Now().UTC()

	t.Run("malformed", func(t *testing.T) {
		_, err := codec.Verify(KindAccess, "not-a-jwt", now)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := codec.Verify(KindAccess, "", now)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("tampered payload", func(t *testing.T) {
		signed, err := codec.Issue(KindAccess, "user-1", now)
		require.NoError(t, err)

		parts := strings.Split(signed, ".")
		require.Len(t, parts, 3)
		tampered := parts[0] + "." + parts[1] + "x." + parts[2]

		_, err = codec.Verify(KindAccess, tampered, now)
		assert.Error(t, err)
	})

	t.Run("expired forged token reports bad signature, not expiry", func(t *testing.T) {
		other, err := NewCodec("other-access", "other-refresh", "other-csrf", time.Minute, time.Hour)
		require.NoError(t, err)

		forged, err := other.Issue(KindAccess, "user-1", now.Add(-time.Hour))
		require.NoError(t, err)

		_, err = codec.Verify(KindAccess, forged, now)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}
