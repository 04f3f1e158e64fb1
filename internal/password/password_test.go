package password

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

var testParams = Params{N: 1 << 10, R: 8, P: 1}

func pbkdf2Hash(t *testing.T, plaintext string, withHashName bool) string {
	t.Helper()
	salt := "legacysalt"
	digest := pbkdf2.Key([]byte(plaintext), []byte(salt), 1000, 32, sha256.New)
	if withHashName {
		return fmt.Sprintf("pbkdf2:sha256:1000:%s:%s", salt, hex.EncodeToString(digest))
	}
	return fmt.Sprintf("pbkdf2:1000:%s:%s", salt, hex.EncodeToString(digest))
}

func bcryptHash(t *testing.T, plaintext string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	require.NoError(t, err)
	return string(b)
}

func argon2Hash(t *testing.T, plaintext string) string {
	t.Helper()
	salt := []byte("0123456789abcdef")
	key := argon2.IDKey([]byte(plaintext), salt, 1, 8*1024, 1, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version, 8*1024, 1, 1,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(key))
}

func scryptHash(t *testing.T, plaintext string) string {
	t.Helper()
	encoded, err := NewHasher(testParams).Hash(plaintext)
	require.NoError(t, err)
	return encoded
}

func TestVerify_AllEncodings(t *testing.T) {
	const plain = "correct-horse-battery-staple"
	tests := []struct {
		name    string
		encoded string
		alg     Algorithm
	}{
		{"scrypt", scryptHash(t, plain), Scrypt},
		{"pbkdf2 with hash name", pbkdf2Hash(t, plain, true), PBKDF2},
		{"pbkdf2 default hash", pbkdf2Hash(t, plain, false), PBKDF2},
		{"bcrypt", bcryptHash(t, plain), Bcrypt},
		{"argon2id", argon2Hash(t, plain), Argon2id},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := Parse(tt.encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.alg, h.Algorithm)

			assert.True(t, Verify(plain, tt.encoded))
			assert.False(t, Verify("wrong-password", tt.encoded))
			assert.ErrorIs(t, Check("wrong-password", tt.encoded), ErrPasswordMismatch)
		})
	}
}

func TestParse_Unsupported(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"plaintext", "hunter2"},
		{"scrypt without digest", "scrypt:1024:8:1$salt"},
		{"scrypt bad n", "scrypt:1000:8:1$salt$abcd"},
		{"scrypt non-hex digest", "scrypt:1024:8:1$salt$zzzz"},
		{"pbkdf2 unknown hash", "pbkdf2:md5:1000:salt:abcd"},
		{"pbkdf2 bad iterations", "pbkdf2:sha256:many:salt:abcd"},
		{"bcrypt truncated", "$2b$10$short"},
		{"argon2 too few parts", "$argon2id$v=19$m=65536,t=3,p=1"},
		{"argon2 zero time", "$argon2id$v=19$m=65536,t=0,p=1$c2FsdHNhbHRzYWx0$ZGlnZXN0ZGlnZXN0"},
		{"argon2 zero threads", "$argon2id$v=19$m=65536,t=3,p=0$c2FsdHNhbHRzYWx0$ZGlnZXN0ZGlnZXN0"},
		{"argon2 memory below 8 per thread", "$argon2id$v=19$m=16,t=3,p=4$c2FsdHNhbHRzYWx0$ZGlnZXN0ZGlnZXN0"},
		{"argon2 memory too high", "$argon2id$v=19$m=4294967295,t=3,p=1$c2FsdHNhbHRzYWx0$ZGlnZXN0ZGlnZXN0"},
		{"argon2 empty salt", "$argon2id$v=19$m=65536,t=3,p=1$$ZGlnZXN0ZGlnZXN0"},
		{"scrypt r times p too high", "scrypt:1024:8:1000$salt$abcd"},
		{"scrypt memory too high", "scrypt:1048576:200:1$salt$abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.encoded)
			assert.ErrorIs(t, err, ErrUnsupportedHashEncoding)
			assert.False(t, Verify("anything", tt.encoded))
		})
	}
}

func TestHasher_UniqueSalts(t *testing.T) {
	h := NewHasher(testParams)
	a, err := h.Hash("same-password")
	require.NoError(t, err)
	b, err := h.Hash("same-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "scrypt:1024:8:1$"))
}

func TestHasher_NeedsRehash(t *testing.T) {
	h := NewHasher(testParams)
	current := scryptHash(t, "pw")

	assert.False(t, h.NeedsRehash(current))
	assert.True(t, h.NeedsRehash(bcryptHash(t, "pw")))
	assert.True(t, h.NeedsRehash(pbkdf2Hash(t, "pw", true)))
	assert.True(t, NewHasher(Params{N: 1 << 11}).NeedsRehash(current))
	assert.True(t, h.NeedsRehash("garbage"))
}

func TestNewHasher_InvalidParamsFallBack(t *testing.T) {
	h := NewHasher(Params{N: 1000})
	assert.Equal(t, DefaultParams, h.params)
}

func TestPool_CheckAndHash(t *testing.T) {
	var observed []string
	p := NewPool(2, NewHasher(testParams), func(op string, alg Algorithm, _ time.Duration) {
		observed = append(observed, op+":"+alg.String())
	})

	encoded, err := p.Hash(context.Background(), "pw")
	require.NoError(t, err)
	require.NoError(t, p.Check(context.Background(), "pw", encoded))
	assert.ErrorIs(t, p.Check(context.Background(), "nope", encoded), ErrPasswordMismatch)
	assert.ErrorIs(t, p.Check(context.Background(), "pw", "garbage"), ErrUnsupportedHashEncoding)
	assert.Equal(t, []string{"hash:scrypt", "verify:scrypt", "verify:scrypt"}, observed)
}

func TestPool_RespectsContextWhileSaturated(t *testing.T) {
	p := NewPool(1, NewHasher(testParams), nil)
	require.NoError(t, p.sem.Acquire(context.Background(), 1))
	defer p.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Check(ctx, "pw", scryptHash(t, "pw"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
