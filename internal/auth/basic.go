package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// BasicAuthorization returns the Authorization header value carrying the
// credentials, RFC 2617 section 2.
func BasicAuthorization(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return SchemeBasic + " " + token
}

// BasicChallenge returns the WWW-Authenticate header value asking for Basic
// credentials in the given realm.
func BasicChallenge(realm string) string {
	return fmt.Sprintf(`Basic realm=%q`, realm)
}

// VerifyBasic checks Basic credentials against the expected username and
// password. Comparison is constant-time on both fields.
func VerifyBasic(creds Credentials, username, password string) bool {
	if creds.Scheme != SchemeBasic {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(creds.Token)
	if err != nil {
		return false
	}
	gotUser, gotPass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(gotUser), []byte(username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(gotPass), []byte(password)) == 1
	return userOK && passOK
}
