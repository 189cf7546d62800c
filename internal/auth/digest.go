package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultNonceWindow is how long an issued nonce stays valid.
const DefaultNonceWindow = 5 * time.Minute

// =============================================================================
// Client side
// =============================================================================

// DigestAuthorization answers a Digest challenge for one request, RFC 2617
// section 3.2.2. When the challenge offers qop="auth" the response uses a
// fresh client nonce and nc=00000001; without qop it falls back to the
// RFC 2069 construction. Only the MD5 algorithm is supported.
//
// Parameters:
//   - ch: the parsed WWW-Authenticate challenge
//   - username, password: credentials for the challenge's realm
//   - method, uri: the request line the response is computed over
//
// Returns:
//   - string: the Authorization header value
//   - error: nil, or why the challenge cannot be answered
func DigestAuthorization(ch Challenge, username, password, method, uri string) (string, error) {
	nonce := ch.Params["nonce"]
	if nonce == "" {
		return "", errors.New("digest challenge carries no nonce")
	}
	if alg := ch.Params["algorithm"]; alg != "" && !strings.EqualFold(alg, "MD5") {
		return "", fmt.Errorf("unsupported digest algorithm %q", alg)
	}

	realm := ch.Params["realm"]
	ha1 := digestHash(username, realm, password)
	ha2 := digestHash(method, uri)

	params := []string{
		fmt.Sprintf("username=%q", username),
		fmt.Sprintf("realm=%q", realm),
		fmt.Sprintf("nonce=%q", nonce),
		fmt.Sprintf("uri=%q", uri),
	}
	if qopOffersAuth(ch.Params["qop"]) {
		cnonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		response := digestHash(ha1, nonce, "00000001", cnonce, "auth", ha2)
		params = append(params,
			"qop=auth",
			"nc=00000001",
			fmt.Sprintf("cnonce=%q", cnonce),
			fmt.Sprintf("response=%q", response),
		)
	} else {
		params = append(params, fmt.Sprintf("response=%q", digestHash(ha1, nonce, ha2)))
	}
	params = append(params, "algorithm=MD5")
	if opaque := ch.Params["opaque"]; opaque != "" {
		params = append(params, fmt.Sprintf("opaque=%q", opaque))
	}
	return SchemeDigest + " " + strings.Join(params, ", "), nil
}

// qopOffersAuth reports whether a challenge's qop list contains "auth".
func qopOffersAuth(qop string) bool {
	for _, option := range strings.Split(qop, ",") {
		if strings.EqualFold(strings.TrimSpace(option), "auth") {
			return true
		}
	}
	return false
}

// =============================================================================
// Server side
// =============================================================================

// DigestChallenge returns the WWW-Authenticate header value for a Digest
// challenge. stale=true tells the peer its nonce expired and a retry with
// the same credentials will succeed.
func DigestChallenge(realm, nonce, opaque string, stale bool) string {
	header := fmt.Sprintf(`Digest realm=%q, qop="auth", nonce=%q, opaque=%q`, realm, nonce, opaque)
	if stale {
		header += ", stale=true"
	}
	return header
}

// VerifyDigest recomputes the Digest response from the request's own
// parameters and compares it in constant time, RFC 2617 section 3.2.2.1.
// The username and the request URI must match what the request claims.
// Nonce freshness is the caller's concern: check NonceStore.Valid first and
// re-challenge with stale=true when it fails.
func VerifyDigest(creds Credentials, method, uri, username, password string) bool {
	if creds.Scheme != SchemeDigest {
		return false
	}
	p := creds.Params
	if subtle.ConstantTimeCompare([]byte(p["username"]), []byte(username)) != 1 {
		return false
	}
	if p["uri"] != uri {
		return false
	}

	ha1 := digestHash(username, p["realm"], password)
	ha2 := digestHash(method, p["uri"])

	var expected string
	switch strings.ToLower(p["qop"]) {
	case "":
		expected = digestHash(ha1, p["nonce"], ha2)
	case "auth":
		if p["cnonce"] == "" || p["nc"] == "" {
			return false
		}
		expected = digestHash(ha1, p["nonce"], p["nc"], p["cnonce"], p["qop"], ha2)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(p["response"]))) == 1
}

// digestHash is H(A) of RFC 2617: the lowercase hex MD5 of the colon-joined
// parts.
func digestHash(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// NonceStore issues server nonces and tracks their validity window. A nonce
// stays valid for repeated requests until it expires; expired entries are
// collected on the next Issue.
type NonceStore struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	issued map[string]time.Time
}

// NewNonceStore returns a store whose nonces expire after window. A zero
// window means DefaultNonceWindow.
func NewNonceStore(window time.Duration) *NonceStore {
	if window <= 0 {
		window = DefaultNonceWindow
	}
	return &NonceStore{
		window: window,
		now:    time.Now,
		issued: make(map[string]time.Time),
	}
}

// Issue creates and remembers a fresh nonce.
func (s *NonceStore) Issue() string {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for old, issued := range s.issued {
		if now.Sub(issued) > s.window {
			delete(s.issued, old)
		}
	}
	s.issued[nonce] = now
	return nonce
}

// Valid reports whether nonce was issued by this store and has not expired.
func (s *NonceStore) Valid(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	issued, ok := s.issued[nonce]
	if !ok {
		return false
	}
	if s.now().Sub(issued) > s.window {
		delete(s.issued, nonce)
		return false
	}
	return true
}
