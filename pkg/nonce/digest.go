package nonce

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// HashFunc constructs a fresh hash.Hash.
type HashFunc func() hash.Hash

var algorithms = map[string]HashFunc{
	"MD5":         md5.New,
	"SHA-1":       sha1.New,
	"SHA-224":     sha256.New224,
	"SHA-256":     sha256.New,
	"SHA-384":     sha512.New384,
	"SHA-512":     sha512.New,
	"SHA-512-256": sha512.New512_256,
	"SHA3-256":    sha3.New256,
	"SHA3-512":    sha3.New512,
	"BLAKE2B-256": mustBlake2b(blake2b.New256),
	"BLAKE2B-512": mustBlake2b(blake2b.New512),
	"KECCAK-256":  func() hash.Hash { return crypto.NewKeccakState() },
}

// blake2b constructors only fail on oversized keys; unkeyed use never does.
func mustBlake2b(fn func(key []byte) (hash.Hash, error)) HashFunc {
	return func() hash.Hash {
		h, err := fn(nil)
		if err != nil {
			panic(err)
		}
		return h
	}
}

// LookupHash resolves a digest algorithm by name (case-insensitive).
// "SHA256" and "SHA-256" are treated alike.
func LookupHash(name string) (HashFunc, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if fn, ok := algorithms[key]; ok {
		return fn, nil
	}
	if fn, ok := algorithms[strings.Replace(key, "SHA", "SHA-", 1)]; ok && !strings.Contains(key, "-") {
		return fn, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// signer computes keyed signatures over nonce prefixes.
// The key is read-only after construction, so a signer is safe for concurrent use.
type signer struct {
	newHash HashFunc
	key     []byte
	size    int
}

func newSigner(algorithm string, key []byte) (*signer, error) {
	fn, err := LookupHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &signer{
		newHash: fn,
		key:     key,
		size:    fn().Size(),
	}, nil
}

// Sign returns HMAC(key, prefix || salt). A nil salt is the same as an empty one.
func (s *signer) Sign(prefix, salt []byte) []byte {
	mac := hmac.New(s.newHash, s.key)
	mac.Write(prefix)
	if len(salt) > 0 {
		mac.Write(salt)
	}
	return mac.Sum(nil)
}

// Verify recomputes the signature and compares it in constant time.
func (s *signer) Verify(prefix, salt, signature []byte) bool {
	return hmac.Equal(s.Sign(prefix, salt), signature)
}

// Size is the signature length in bytes.
func (s *signer) Size() int {
	return s.size
}
