package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rfcVector is the worked example of RFC 2617 section 3.5.
func rfcVector() Credentials {
	return Credentials{
		Scheme: SchemeDigest,
		Params: map[string]string{
			"username": "Mufasa",
			"realm":    "testrealm@host.com",
			"nonce":    "dcd98b7102dd2f0e8b11d0f600bfb0c093",
			"uri":      "/dir/index.html",
			"qop":      "auth",
			"nc":       "00000001",
			"cnonce":   "0a4f113b",
			"response": "6629fae49393a05397450978507c4ef1",
			"opaque":   "5ccc069c403ebaf9f0171e9517f40e41",
		},
	}
}

func TestVerifyDigestRFCVector(t *testing.T) {
	t.Parallel()

	t.Run("accepts the published response", func(t *testing.T) {
		t.Parallel()
		assert.True(t, VerifyDigest(rfcVector(), "GET", "/dir/index.html", "Mufasa", "Circle Of Life"))
	})

	t.Run("rejects a wrong password", func(t *testing.T) {
		t.Parallel()
		assert.False(t, VerifyDigest(rfcVector(), "GET", "/dir/index.html", "Mufasa", "Circle Of Death"))
	})

	t.Run("rejects a wrong username", func(t *testing.T) {
		t.Parallel()
		assert.False(t, VerifyDigest(rfcVector(), "GET", "/dir/index.html", "Scar", "Circle Of Life"))
	})

	t.Run("rejects a request URI mismatch", func(t *testing.T) {
		t.Parallel()
		assert.False(t, VerifyDigest(rfcVector(), "GET", "/other", "Mufasa", "Circle Of Life"))
	})

	t.Run("rejects an unknown qop", func(t *testing.T) {
		t.Parallel()
		creds := rfcVector()
		creds.Params["qop"] = "auth-int"
		assert.False(t, VerifyDigest(creds, "GET", "/dir/index.html", "Mufasa", "Circle Of Life"))
	})
}

func TestDigestRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("with qop auth", func(t *testing.T) {
		t.Parallel()

		store := NewNonceStore(0)
		nonce := store.Issue()

		ch, err := ParseChallenge(DigestChallenge("cwmpd", nonce, "opq-1", false))
		require.NoError(t, err)

		header, err := DigestAuthorization(ch, "acs-user", "acs-pass", "POST", "/conn")
		require.NoError(t, err)

		creds, err := ParseAuthorization(header)
		require.NoError(t, err)

		assert.True(t, store.Valid(creds.Params["nonce"]))
		assert.Equal(t, "opq-1", creds.Params["opaque"])
		assert.True(t, VerifyDigest(creds, "POST", "/conn", "acs-user", "acs-pass"))
		assert.False(t, VerifyDigest(creds, "POST", "/conn", "acs-user", "other"))
	})

	t.Run("legacy challenge without qop", func(t *testing.T) {
		t.Parallel()

		ch := Challenge{Scheme: SchemeDigest, Params: map[string]string{
			"realm": "cwmpd",
			"nonce": "abc123",
		}}

		header, err := DigestAuthorization(ch, "u", "p", "GET", "/")
		require.NoError(t, err)
		assert.NotContains(t, header, "nc=")
		assert.NotContains(t, header, "qop=")

		creds, err := ParseAuthorization(header)
		require.NoError(t, err)
		assert.True(t, VerifyDigest(creds, "GET", "/", "u", "p"))
	})
}

func TestDigestAuthorizationErrors(t *testing.T) {
	t.Parallel()

	t.Run("challenge without nonce", func(t *testing.T) {
		t.Parallel()
		_, err := DigestAuthorization(Challenge{Scheme: SchemeDigest, Params: map[string]string{"realm": "r"}}, "u", "p", "GET", "/")
		assert.Error(t, err)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		t.Parallel()
		ch := Challenge{Scheme: SchemeDigest, Params: map[string]string{"nonce": "n", "algorithm": "SHA-256"}}
		_, err := DigestAuthorization(ch, "u", "p", "GET", "/")
		assert.ErrorContains(t, err, "unsupported digest algorithm")
	})
}

func TestDigestChallengeStale(t *testing.T) {
	t.Parallel()

	header := DigestChallenge("cwmpd", "n-1", "opq", true)
	assert.Contains(t, header, "stale=true")

	ch, err := ParseChallenge(header)
	require.NoError(t, err)
	assert.Equal(t, "true", ch.Params["stale"])
	assert.Equal(t, "auth", ch.Params["qop"])
}

func TestNonceStore(t *testing.T) {
	t.Parallel()

	t.Run("issued nonces are valid inside the window", func(t *testing.T) {
		t.Parallel()

		store := NewNonceStore(5 * time.Minute)
		nonce := store.Issue()

		assert.True(t, store.Valid(nonce))
		assert.True(t, store.Valid(nonce), "nonces are reusable until expiry")
		assert.False(t, store.Valid("never-issued"))
	})

	t.Run("nonces expire after the window", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		store := NewNonceStore(5 * time.Minute)
		store.now = func() time.Time { return now }

		nonce := store.Issue()
		now = now.Add(4 * time.Minute)
		assert.True(t, store.Valid(nonce))

		now = now.Add(2 * time.Minute)
		assert.False(t, store.Valid(nonce))
		assert.False(t, store.Valid(nonce), "expired nonces stay invalid")
	})

	t.Run("expired entries are collected on issue", func(t *testing.T) {
		t.Parallel()

		now := time.Now()
		store := NewNonceStore(time.Minute)
		store.now = func() time.Time { return now }

		old := store.Issue()
		now = now.Add(2 * time.Minute)
		fresh := store.Issue()

		assert.False(t, store.Valid(old))
		assert.True(t, store.Valid(fresh))
	})
}
