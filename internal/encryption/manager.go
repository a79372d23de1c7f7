// Package encryption pseudonymizes client identifiers before they are
// written to audit sinks, using envelope encryption: a KMS-wrapped data key
// encrypts the identifier with AES-GCM. In development the data key is
// generated locally.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ratelimit-gateway/internal/config"
	"ratelimit-gateway/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DataKey is a plaintext/ciphertext data encryption key pair.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager holds one process-lifetime data key for identifier
// pseudonymization. The plaintext key never leaves process memory; the
// wrapped form travels with the key id so tooling can unwrap via KMS.
type EncryptionManager struct {
	kmsClient *kms.Client
	config    *config.Config

	mu        sync.Mutex
	activeKey *DataKey
	keyCache  sync.Map // wrapped DEK (base64) -> plaintext key
}

func NewEncryptionManager(cfg *config.Config, kmsClient *kms.Client) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// Pseudonymize envelope-encrypts a client identifier for an audit record.
// Output format: keyID:base64(nonce|ciphertext).
func (em *EncryptionManager) Pseudonymize(ctx context.Context, identifier string) (string, error) {
	dataKey, err := em.dataKey(ctx)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(identifier), nil)
	return dataKey.KeyID + ":" + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Reveal reverses Pseudonymize for the process-lifetime key, used by the
// admin tooling path.
func (em *EncryptionManager) Reveal(ctx context.Context, pseudonym string) (string, error) {
	dataKey, err := em.dataKey(ctx)
	if err != nil {
		return "", err
	}

	sep := len(dataKey.KeyID)
	if len(pseudonym) <= sep+1 || pseudonym[:sep] != dataKey.KeyID {
		return "", fmt.Errorf("%w: unknown key id", ErrDecryptionFailed)
	}

	raw, err := base64.StdEncoding.DecodeString(pseudonym[sep+1:])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(dataKey.Plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) dataKey(ctx context.Context) (*DataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if em.activeKey != nil {
		return em.activeKey, nil
	}

	key, err := em.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	em.activeKey = key
	em.keyCache.Store(base64.StdEncoding.EncodeToString(key.Ciphertext), key.Plaintext)
	util.Info("audit pseudonymization key established",
		zap.String("key_id", key.KeyID),
		zap.Bool("kms", em.config.KMS.Enabled))
	return key, nil
}

func (em *EncryptionManager) generateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.config.KMS.Enabled || em.kmsClient == nil {
		return em.generateLocalKey(), nil
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.config.KMS.KeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() *DataKey {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate local encryption key", zap.Error(err))
	}

	// In development the "wrapped" key is just base64 of the plaintext
	ciphertext := []byte(base64.StdEncoding.EncodeToString(key))

	return &DataKey{
		Plaintext:  key,
		Ciphertext: ciphertext,
		KeyID:      uuid.New().String(),
	}
}

// ClearCache drops the key material, called on shutdown.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.activeKey = nil
	em.mu.Unlock()
	em.keyCache.Range(func(key, value interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}
