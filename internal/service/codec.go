package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/inkpress/inkpress/internal/model"
)

// DefaultKeyEnv is the environment tag embedded in generated secrets.
const DefaultKeyEnv = "live"

const (
	secretEntropyBytes = 32
	prefixRandomChars  = 8
)

var keyTags = map[model.KeyType]string{
	model.KeyTypeUser:  "sk",
	model.KeyTypeSite:  "ss",
	model.KeyTypeAdmin: "sa",
}

// GeneratedKey is a freshly minted secret with its storable derivatives.
// Secret must be shown to the caller once and then discarded.
type GeneratedKey struct {
	Secret string
	Prefix string
	Hash   string
}

// GenerateKey mints a new secret shaped {tag}_{env}_{random}, where random
// is 32 bytes from crypto/rand in unpadded base64url. Prefix keeps the tag,
// env, and first 8 random characters for display.
func GenerateKey(keyType model.KeyType, env string) (GeneratedKey, error) {
	tag, ok := keyTags[keyType]
	if !ok {
		return GeneratedKey{}, fmt.Errorf("unknown key type %q", keyType)
	}
	if env == "" {
		env = DefaultKeyEnv
	}

	buf := make([]byte, secretEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate random bytes: %w", err)
	}
	random := base64.RawURLEncoding.EncodeToString(buf)

	secret := tag + "_" + env + "_" + random
	return GeneratedKey{
		Secret: secret,
		Prefix: tag + "_" + env + "_" + random[:prefixRandomChars],
		Hash:   HashKey(secret),
	}, nil
}

// HashKey returns the hex-encoded SHA-256 digest of a secret.
func HashKey(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
