package database

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when a stored secret hash cannot be decoded.
var ErrMalformedHash = errors.New("malformed secret hash")

// argon2Params are the Argon2id cost parameters encoded into every hash.
type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

// defaultParams follow the OWASP Argon2id recommendation.
var defaultParams = argon2Params{
	memory:  64 * 1024,
	time:    3,
	threads: 4,
	keyLen:  32,
	saltLen: 16,
}

// GenerateSecret returns a random URL-safe secret for a new API client.
func GenerateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashPassword hashes an API client secret with Argon2id. The result has the
// PHC form $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>.
func HashPassword(secret string) (string, error) {
	return hashWith(secret, defaultParams)
}

func hashWith(secret string, p argon2Params) (string, error) {
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(secret), salt, p.time, p.memory, p.threads, p.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// CheckPassword reports whether secret matches the encoded hash. The cost
// parameters are taken from the hash, so hashes made with older parameters
// keep verifying.
func CheckPassword(secret, encoded string) (bool, error) {
	salt, key, p, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(secret), salt, p.time, p.memory, p.threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

func decodeHash(encoded string) (salt, key []byte, p argon2Params, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, nil, p, fmt.Errorf("%w: expected 6 parts, got %d", ErrMalformedHash, len(parts))
	}
	if parts[1] != "argon2id" {
		return nil, nil, p, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, p, fmt.Errorf("%w: parsing version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return nil, nil, p, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return nil, nil, p, fmt.Errorf("%w: parsing parameters: %v", ErrMalformedHash, err)
	}

	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, p, fmt.Errorf("%w: decoding salt: %v", ErrMalformedHash, err)
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, p, fmt.Errorf("%w: decoding hash: %v", ErrMalformedHash, err)
	}
	return salt, key, p, nil
}
