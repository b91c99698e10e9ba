package nonce

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// PrefixLength is the size of the signed part of a nonce: a 4 byte sequence
// followed by an 8 byte issue time.
const PrefixLength = 4 + 8

// Token is the decoded form of a nonce.
type Token struct {
	Sequence  uint32
	IssuedAt  int64 // nanoseconds on the manager's clock
	Signature []byte
}

// Prefix returns the big-endian sequence || issuedAt bytes the signature covers.
func (t Token) Prefix() []byte {
	prefix := make([]byte, PrefixLength)
	putPrefix(prefix, t.Sequence, t.IssuedAt)
	return prefix
}

func putPrefix(dst []byte, sequence uint32, issuedAt int64) {
	binary.BigEndian.PutUint32(dst[0:4], sequence)
	binary.BigEndian.PutUint64(dst[4:PrefixLength], uint64(issuedAt))
}

// Encode renders a token as standard base64.
func Encode(t Token) string {
	buf := make([]byte, PrefixLength+len(t.Signature))
	putPrefix(buf, t.Sequence, t.IssuedAt)
	copy(buf[PrefixLength:], t.Signature)
	return base64.StdEncoding.EncodeToString(buf)
}

// Decode parses an encoded nonce whose signature is signatureLength bytes long.
// Only the canonical form produced by Encode is accepted, so every token has
// exactly one valid text.
func Decode(text string, signatureLength int) (Token, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(text)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedNonce, err)
	}
	if len(raw) != PrefixLength+signatureLength {
		return Token{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedNonce, len(raw), PrefixLength+signatureLength)
	}
	// Strict still skips CR and LF.
	if base64.StdEncoding.EncodeToString(raw) != text {
		return Token{}, fmt.Errorf("%w: non-canonical encoding", ErrMalformedNonce)
	}
	return Token{
		Sequence:  binary.BigEndian.Uint32(raw[0:4]),
		IssuedAt:  int64(binary.BigEndian.Uint64(raw[4:PrefixLength])),
		Signature: raw[PrefixLength:],
	}, nil
}
