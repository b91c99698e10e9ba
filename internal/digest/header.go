// Package digest implements the server side of HTTP Digest access
// authentication (RFC 7616) on top of the signed nonce manager.
package digest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Scheme is the authentication scheme name
	Scheme = "Digest"

	// QopAuth is the only quality of protection supported
	QopAuth = "auth"
)

// Error definitions
var (
	ErrNotDigest        = errors.New("authorization is not digest")
	ErrMalformedHeader  = errors.New("malformed digest authorization")
	ErrMissingParameter = errors.New("missing digest parameter")
	ErrUnsupportedQop   = errors.New("unsupported qop")
)

// Authorization is a parsed Authorization request header.
type Authorization struct {
	Username  string
	Realm     string
	Nonce     string
	URI       string
	Response  string
	Algorithm string
	Cnonce    string
	Opaque    string
	Qop       string
	// NC is the raw nonce-count as sent (8 hex digits), NonceCount its value.
	// Both are zero when the client sent no qop.
	NC         string
	NonceCount int64
}

// ParseAuthorization parses a "Digest k=v, k=\"v\"" header value.
func ParseAuthorization(header string) (*Authorization, error) {
	header = strings.TrimSpace(header)
	end := strings.IndexAny(header, " \t\r\n")
	if end < 0 {
		end = len(header)
	}
	scheme, rest := header[:end], header[end:]
	if !strings.EqualFold(scheme, Scheme) {
		return nil, ErrNotDigest
	}

	params, err := parseParams(rest)
	if err != nil {
		return nil, err
	}

	a := &Authorization{
		Username:  params["username"],
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		URI:       params["uri"],
		Response:  params["response"],
		Algorithm: params["algorithm"],
		Cnonce:    params["cnonce"],
		Opaque:    params["opaque"],
		Qop:       params["qop"],
		NC:        params["nc"],
	}

	for name, value := range map[string]string{
		"username": a.Username,
		"realm":    a.Realm,
		"nonce":    a.Nonce,
		"uri":      a.URI,
		"response": a.Response,
	} {
		if value == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
	}

	if a.Qop == "" {
		return a, nil
	}
	if !strings.EqualFold(a.Qop, QopAuth) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQop, a.Qop)
	}
	if a.Cnonce == "" {
		return nil, fmt.Errorf("%w: cnonce", ErrMissingParameter)
	}
	if len(a.NC) != 8 {
		return nil, fmt.Errorf("%w: nc must be 8 hex digits", ErrMalformedHeader)
	}
	nc, err := strconv.ParseUint(a.NC, 16, 32)
	if err != nil || nc == 0 {
		return nil, fmt.Errorf("%w: nc %q", ErrMalformedHeader, a.NC)
	}
	a.NonceCount = int64(nc)
	return a, nil
}

// parseParams splits comma separated auth-params. Keys are lower-cased;
// quoted values may contain escaped characters and commas.
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string)
	i := 0
	for {
		for i < len(s) && isSeparator(s[i]) {
			i++
		}
		if i >= len(s) {
			return params, nil
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value at %d", ErrMalformedHeader, i)
		}
		key := strings.ToLower(strings.TrimSpace(s[i : i+eq]))
		i += eq + 1
		for i < len(s) && isSeparator(s[i]) && s[i] != ',' {
			i++
		}

		var value strings.Builder
		if i < len(s) && s[i] == '"' {
			i++
			closed := false
			for i < len(s) {
				ch := s[i]
				i++
				if ch == '\\' && i < len(s) {
					value.WriteByte(s[i])
					i++
					continue
				}
				if ch == '"' {
					closed = true
					break
				}
				value.WriteByte(ch)
			}
			if !closed {
				return nil, fmt.Errorf("%w: unterminated quoted value for %s", ErrMalformedHeader, key)
			}
		} else {
			end := strings.IndexByte(s[i:], ',')
			if end < 0 {
				end = len(s) - i
			}
			value.WriteString(strings.TrimSpace(s[i : i+end]))
			i += end
		}

		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("%w: duplicate %s", ErrMalformedHeader, key)
		}
		params[key] = value.String()
	}
}

func isSeparator(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n' || ch == ','
}

// Challenge is a WWW-Authenticate response header.
type Challenge struct {
	Realm     string
	Nonce     string
	Algorithm string
	Stale     bool
}

// String renders the header value.
func (c Challenge) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	fmt.Fprintf(&b, " realm=%s", quote(c.Realm))
	fmt.Fprintf(&b, ", nonce=%s", quote(c.Nonce))
	if c.Algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.Algorithm)
	}
	fmt.Fprintf(&b, ", qop=%s", quote(QopAuth))
	if c.Stale {
		b.WriteString(", stale=true")
	}
	return b.String()
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
