package digest

import (
	"encoding/hex"
	"strings"

	"github.com/ahwlsqja/nonce-guard/pkg/nonce"
)

const sessSuffix = "-sess"

// Algorithms accepted for the response digest.
var responseAlgorithms = map[string]string{
	"MD5":         "MD5",
	"SHA-256":     "SHA-256",
	"SHA-512-256": "SHA-512-256",
}

// responseHash resolves an RFC 7616 algorithm name, reporting whether it is a
// session variant.
func responseHash(algorithm string) (nonce.HashFunc, bool, error) {
	name := strings.ToUpper(algorithm)
	sess := strings.HasSuffix(name, "-SESS")
	base := strings.TrimSuffix(name, "-SESS")
	mapped, ok := responseAlgorithms[base]
	if !ok {
		return nil, false, nonce.ErrUnsupportedAlgorithm
	}
	fn, err := nonce.LookupHash(mapped)
	if err != nil {
		return nil, false, err
	}
	return fn, sess, nil
}

func hexDigest(fn nonce.HashFunc, parts ...string) string {
	h := fn()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// ExpectedResponse computes the request-digest the client must send.
func ExpectedResponse(algorithm, method, password string, a *Authorization) (string, error) {
	fn, sess, err := responseHash(algorithm)
	if err != nil {
		return "", err
	}

	ha1 := hexDigest(fn, a.Username, a.Realm, password)
	if sess {
		ha1 = hexDigest(fn, ha1, a.Nonce, a.Cnonce)
	}
	ha2 := hexDigest(fn, method, a.URI)

	if a.Qop == "" {
		return hexDigest(fn, ha1, a.Nonce, ha2), nil
	}
	return hexDigest(fn, ha1, a.Nonce, a.NC, a.Cnonce, strings.ToLower(a.Qop), ha2), nil
}
