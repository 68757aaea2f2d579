package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/nidhogg/consensus/internal/consensus"
	"go.uber.org/zap"
)

// EncryptKeyEnv holds the hex-encoded AES-256 key for stored API keys.
const EncryptKeyEnv = "CONSENSUS_ENCRYPT_KEY"

// encryptKey returns the 32-byte AES key from the environment.
func encryptKey() ([]byte, error) {
	keyHex := os.Getenv(EncryptKeyEnv)
	if keyHex == "" {
		return nil, fmt.Errorf("%s not set", EncryptKeyEnv)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", EncryptKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be 64 hex chars (32 bytes), got %d bytes", EncryptKeyEnv, len(key))
	}
	return key, nil
}

func newGCM() (cipher.AEAD, error) {
	key, err := encryptKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// encrypt uses AES-256-GCM to encrypt plaintext.
func encrypt(plaintext string) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// decrypt uses AES-256-GCM to decrypt ciphertext.
func decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	gcm, err := newGCM()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SaveKey stores a user's API key for one provider, encrypted.
func (s *Store) SaveKey(ctx context.Context, userID string, p consensus.Provider, secret string) error {
	enc, err := encrypt(secret)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO api_keys (user_id, provider, key_enc)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET key_enc = EXCLUDED.key_enc, updated_at = NOW()`,
		userID, string(p), enc,
	)
	if err != nil {
		return fmt.Errorf("save api key: %w", err)
	}
	return nil
}

// GetKeys returns the user's decrypted API keys by provider. Keys that fail
// to decrypt are skipped and logged.
func (s *Store) GetKeys(ctx context.Context, userID string) (map[consensus.Provider]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT provider, key_enc FROM api_keys WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[consensus.Provider]string)
	for rows.Next() {
		var provider string
		var enc []byte
		if err := rows.Scan(&provider, &enc); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		secret, err := decrypt(enc)
		if err != nil {
			s.logger.Warn("skip undecryptable api key",
				zap.String("user", userID),
				zap.String("provider", provider),
				zap.Error(err))
			continue
		}
		keys[consensus.Provider(provider)] = secret
	}
	return keys, rows.Err()
}
