// Package auth implements HTTP Basic and Digest access authentication
// (RFC 2617) for both sides of the agent:
//
//   - Client primitives answer WWW-Authenticate challenges from the ACS
//     (Basic credentials, Digest MD5 responses with and without qop="auth").
//   - Server primitives protect the connection-request listener: challenge
//     construction, nonce issue/expiry, and Authorization verification.
//
// Digest support is MD5 only, which is what ACS implementations actually
// send. Nonces are random values remembered by a NonceStore for a fixed
// window; a request carrying an expired nonce is re-challenged with
// stale=true so the peer retries without re-prompting for credentials.
package auth

import (
	"errors"
	"strings"
)

// Authentication scheme names in their canonical spelling.
const (
	SchemeBasic  = "Basic"
	SchemeDigest = "Digest"
)

// ErrMalformedHeader is returned when an authentication header cannot be
// split into a scheme and its payload.
var ErrMalformedHeader = errors.New("auth: malformed authentication header")

// Challenge is a parsed WWW-Authenticate header value.
type Challenge struct {
	// Scheme is the challenge scheme, canonicalized for the known ones.
	Scheme string

	// Params holds the auth-params with lowercased keys and unquoted
	// values (realm, nonce, qop, opaque, algorithm, stale, ...).
	Params map[string]string
}

// Credentials is a parsed Authorization header value.
type Credentials struct {
	// Scheme is the credential scheme, canonicalized for the known ones.
	Scheme string

	// Token is the raw payload after the scheme. For Basic this is the
	// base64 user-pass blob.
	Token string

	// Params holds the auth-params for param-style schemes like Digest.
	Params map[string]string
}

// ParseChallenge parses one WWW-Authenticate header value.
func ParseChallenge(value string) (Challenge, error) {
	scheme, rest, err := splitScheme(value)
	if err != nil {
		return Challenge{}, err
	}
	return Challenge{Scheme: scheme, Params: parseAuthParams(rest)}, nil
}

// ParseAuthorization parses one Authorization header value.
func ParseAuthorization(value string) (Credentials, error) {
	scheme, rest, err := splitScheme(value)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Scheme: scheme, Token: rest, Params: parseAuthParams(rest)}, nil
}

// splitScheme separates the scheme token from the rest of the header.
func splitScheme(value string) (scheme, rest string, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", ErrMalformedHeader
	}
	scheme = value
	if i := strings.IndexAny(value, " \t"); i >= 0 {
		scheme, rest = value[:i], strings.TrimSpace(value[i+1:])
	}
	return canonicalScheme(scheme), rest, nil
}

// canonicalScheme normalizes the spelling of the schemes this package
// knows. Scheme names are case-insensitive per RFC 7235.
func canonicalScheme(s string) string {
	switch {
	case strings.EqualFold(s, SchemeBasic):
		return SchemeBasic
	case strings.EqualFold(s, SchemeDigest):
		return SchemeDigest
	}
	return s
}

// parseAuthParams parses a comma-separated auth-param list. Keys are
// lowercased; quoted-string values are unquoted with backslash escapes
// resolved. Malformed trailing input is dropped rather than rejected: the
// caller validates the parameters it actually needs.
func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for {
		s = strings.TrimLeft(s, " \t,")
		if s == "" {
			break
		}
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]

		var value string
		if len(s) > 0 && s[0] == '"' {
			var b strings.Builder
			i := 1
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '"' {
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			value = b.String()
			s = s[i:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value = strings.TrimSpace(s[:end])
			s = s[end:]
		}

		if key != "" {
			params[key] = value
		}
	}
	return params
}
