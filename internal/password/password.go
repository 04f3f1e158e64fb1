// Package password verifies stored password hashes across every encoding the
// panel has ever written and produces new hashes with the current one.
//
// Supported encodings:
//   - scrypt:   scrypt:<N>:<r>:<p>$<salt>$<hex digest>       (current)
//   - pbkdf2:   pbkdf2:<hash>:<iterations>:<salt>:<hex digest>
//   - bcrypt:   $2b$<cost>$<salt+digest>
//   - argon2id: $argon2id$v=19$m=<KiB>,t=<iter>,p=<lanes>$<b64 salt>$<b64 hash>
//
// Hashes are parsed once into a Hash whose Algorithm is fixed; Verify never
// re-inspects the string.
package password

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // legacy pbkdf2:sha1 hashes must keep verifying
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Sentinel errors for password checks.
var (
	ErrPasswordMismatch        = errors.New("password does not match")
	ErrUnsupportedHashEncoding = errors.New("unsupported password hash encoding")
)

// Algorithm identifies a hash encoding.
type Algorithm int

const (
	PBKDF2 Algorithm = iota + 1
	Scrypt
	Bcrypt
	Argon2id
)

func (a Algorithm) String() string {
	switch a {
	case PBKDF2:
		return "pbkdf2"
	case Scrypt:
		return "scrypt"
	case Bcrypt:
		return "bcrypt"
	case Argon2id:
		return "argon2id"
	default:
		return "unknown"
	}
}

const (
	scryptKeyLen   = 64
	saltChars      = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	saltLen        = 16
	defaultPBKDF2  = "sha256"
	maxScryptLogN  = 20
	maxScryptRP    = 1 << 8
	maxScryptMem   = 1 << 31
	maxPBKDF2Iters = 10_000_000

	maxArgon2Memory = 1 << 21 // KiB
	maxArgon2Time   = 64
)

var pbkdf2Hashes = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Hash is a parsed password hash. Only the fields relevant to Algorithm are set.
type Hash struct {
	Algorithm Algorithm

	encoded string
	salt    []byte
	digest  []byte

	// scrypt
	n, r, p int
	// pbkdf2
	hashName   string
	iterations int
	// argon2id
	argonTime    uint32
	argonMemory  uint32
	argonThreads uint8
}

// Parse resolves the encoding of a stored hash. Strings that carry no known
// tag are handed to the pbkdf2 parser; if that also fails the result is
// ErrUnsupportedHashEncoding.
func Parse(encoded string) (*Hash, error) {
	switch {
	case strings.HasPrefix(encoded, "scrypt:"):
		return parseScrypt(encoded)
	case strings.HasPrefix(encoded, "$argon2id$"):
		return parseArgon2id(encoded)
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		if _, err := bcrypt.Cost([]byte(encoded)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedHashEncoding, err)
		}
		return &Hash{Algorithm: Bcrypt, encoded: encoded}, nil
	default:
		return parsePBKDF2(encoded)
	}
}

// Verify reports whether plaintext matches the parsed hash. All digest
// comparisons are constant time.
func (h *Hash) Verify(plaintext string) bool {
	switch h.Algorithm {
	case Bcrypt:
		return bcrypt.CompareHashAndPassword([]byte(h.encoded), []byte(plaintext)) == nil
	case Scrypt:
		candidate, err := scrypt.Key([]byte(plaintext), h.salt, h.n, h.r, h.p, len(h.digest))
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare(candidate, h.digest) == 1
	case Argon2id:
		candidate := argon2.IDKey([]byte(plaintext), h.salt, h.argonTime, h.argonMemory, h.argonThreads, uint32(len(h.digest))) //nolint:gosec // digest length fits uint32
		return subtle.ConstantTimeCompare(candidate, h.digest) == 1
	case PBKDF2:
		candidate := pbkdf2.Key([]byte(plaintext), h.salt, h.iterations, len(h.digest), pbkdf2Hashes[h.hashName])
		return subtle.ConstantTimeCompare(candidate, h.digest) == 1
	default:
		return false
	}
}

// Verify parses encoded and compares plaintext against it. Unparseable
// hashes never match.
func Verify(plaintext, encoded string) bool {
	return Check(plaintext, encoded) == nil
}

// Check is Verify with the failure reason: ErrPasswordMismatch or
// ErrUnsupportedHashEncoding.
func Check(plaintext, encoded string) error {
	h, err := Parse(encoded)
	if err != nil {
		return err
	}
	if !h.Verify(plaintext) {
		return ErrPasswordMismatch
	}
	return nil
}

func parseScrypt(encoded string) (*Hash, error) {
	head, rest, ok := strings.Cut(encoded, "$")
	if !ok {
		return nil, fmt.Errorf("%w: scrypt hash has no salt", ErrUnsupportedHashEncoding)
	}
	salt, digestHex, ok := strings.Cut(rest, "$")
	if !ok || salt == "" || digestHex == "" {
		return nil, fmt.Errorf("%w: scrypt hash has no digest", ErrUnsupportedHashEncoding)
	}
	params := strings.Split(head, ":")
	if len(params) != 4 {
		return nil, fmt.Errorf("%w: scrypt parameters %q", ErrUnsupportedHashEncoding, head)
	}
	n, errN := strconv.Atoi(params[1])
	r, errR := strconv.Atoi(params[2])
	p, errP := strconv.Atoi(params[3])
	if err := errors.Join(errN, errR, errP); err != nil {
		return nil, fmt.Errorf("%w: scrypt parameters: %w", ErrUnsupportedHashEncoding, err)
	}
	if n < 2 || n > 1<<maxScryptLogN || n&(n-1) != 0 || r < 1 || p < 1 {
		return nil, fmt.Errorf("%w: scrypt parameters out of range", ErrUnsupportedHashEncoding)
	}
	if int64(r)*int64(p) > maxScryptRP || 128*int64(r)*int64(n) > maxScryptMem {
		return nil, fmt.Errorf("%w: scrypt cost too high", ErrUnsupportedHashEncoding)
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil || len(digest) == 0 {
		return nil, fmt.Errorf("%w: scrypt digest is not hex", ErrUnsupportedHashEncoding)
	}
	return &Hash{Algorithm: Scrypt, encoded: encoded, salt: []byte(salt), digest: digest, n: n, r: r, p: p}, nil
}

func parsePBKDF2(encoded string) (*Hash, error) {
	parts := strings.Split(encoded, ":")
	// pbkdf2:<iterations>:<salt>:<digest> or pbkdf2:<hash>:<iterations>:<salt>:<digest>
	if len(parts) < 4 || len(parts) > 5 {
		return nil, fmt.Errorf("%w: unrecognised hash format", ErrUnsupportedHashEncoding)
	}
	hashName, iterStr := defaultPBKDF2, parts[1]
	if len(parts) == 5 {
		hashName, iterStr = parts[1], parts[2]
	}
	if _, ok := pbkdf2Hashes[hashName]; !ok {
		return nil, fmt.Errorf("%w: pbkdf2 hash function %q", ErrUnsupportedHashEncoding, hashName)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations < 1 || iterations > maxPBKDF2Iters {
		return nil, fmt.Errorf("%w: pbkdf2 iterations %q", ErrUnsupportedHashEncoding, iterStr)
	}
	salt, digestHex := parts[len(parts)-2], parts[len(parts)-1]
	digest, err := hex.DecodeString(digestHex)
	if err != nil || salt == "" || len(digest) == 0 {
		return nil, fmt.Errorf("%w: pbkdf2 salt or digest", ErrUnsupportedHashEncoding)
	}
	return &Hash{
		Algorithm:  PBKDF2,
		encoded:    encoded,
		salt:       []byte(salt),
		digest:     digest,
		hashName:   hashName,
		iterations: iterations,
	}, nil
}

// parseArgon2id decodes the PHC string format.
func parseArgon2id(encoded string) (*Hash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: invalid PHC hash format", ErrUnsupportedHashEncoding)
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, fmt.Errorf("%w: argon2 version %q", ErrUnsupportedHashEncoding, parts[2])
	}
	h := &Hash{Algorithm: Argon2id, encoded: encoded}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.argonMemory, &h.argonTime, &h.argonThreads); err != nil {
		return nil, fmt.Errorf("%w: argon2 parameters: %w", ErrUnsupportedHashEncoding, err)
	}
	if h.argonTime < 1 || h.argonTime > maxArgon2Time || h.argonThreads < 1 ||
		h.argonMemory < 8*uint32(h.argonThreads) || h.argonMemory > maxArgon2Memory {
		return nil, fmt.Errorf("%w: argon2 parameters out of range", ErrUnsupportedHashEncoding)
	}
	var err error
	if h.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(h.salt) == 0 {
		return nil, fmt.Errorf("%w: decoding salt", ErrUnsupportedHashEncoding)
	}
	if h.digest, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(h.digest) == 0 {
		return nil, fmt.Errorf("%w: decoding hash", ErrUnsupportedHashEncoding)
	}
	return h, nil
}

// Params are the scrypt costs used for new hashes.
type Params struct {
	N, R, P int
}

// DefaultParams matches the costs already present in stored scrypt hashes.
var DefaultParams = Params{N: 1 << 15, R: 8, P: 1}

// Hasher produces hashes with the current algorithm.
type Hasher struct {
	params Params
}

// NewHasher returns a Hasher for the given scrypt costs, falling back to
// DefaultParams for zero or invalid values.
func NewHasher(p Params) *Hasher {
	if p.N < 2 || p.N&(p.N-1) != 0 {
		p.N = DefaultParams.N
	}
	if p.R < 1 {
		p.R = DefaultParams.R
	}
	if p.P < 1 {
		p.P = DefaultParams.P
	}
	return &Hasher{params: p}
}

// Hash returns the scrypt encoding of plaintext with a fresh salt.
func (h *Hasher) Hash(plaintext string) (string, error) {
	salt, err := randomSalt(saltLen)
	if err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest, err := scrypt.Key([]byte(plaintext), []byte(salt), h.params.N, h.params.R, h.params.P, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("deriving scrypt key: %w", err)
	}
	return fmt.Sprintf("scrypt:%d:%d:%d$%s$%s", h.params.N, h.params.R, h.params.P, salt, hex.EncodeToString(digest)), nil
}

// NeedsRehash reports whether encoded was produced by anything other than the
// current algorithm at the current costs.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parsed, err := Parse(encoded)
	if err != nil {
		return true
	}
	if parsed.Algorithm != Scrypt {
		return true
	}
	return parsed.n != h.params.N || parsed.r != h.params.R || parsed.p != h.params.P
}

func randomSalt(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = saltChars[int(b[i])%len(saltChars)]
	}
	return string(b), nil
}
