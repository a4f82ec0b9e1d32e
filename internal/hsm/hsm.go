package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

// SecretStore holds the shared secrets used to authenticate provider callbacks.
type SecretStore interface {
	StoreSecret(keyID string, secret []byte) error
	HasSecret(keyID string) bool
	DeleteSecret(keyID string) error

	// Sign returns the lowercase hex HMAC-SHA256 of payload.
	Sign(keyID string, payload []byte) (string, error)
	// Verify compares signature against the HMAC of payload in constant time.
	Verify(keyID string, payload []byte, signature string) (bool, error)
}

// KeyStore implements SecretStore. Secrets live in memory and, when a key
// store path is configured, on disk encrypted under the derived master key.
type KeyStore struct {
	secrets      map[string]*Secret
	masterKey    []byte
	mu           sync.RWMutex
	keyStorePath string
	auditLogger  *AuditLogger
}

// Secret is one provider's shared webhook secret.
type Secret struct {
	ID        string    `json:"id"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// Config holds key store configuration
type Config struct {
	MasterKey    string
	KeyStorePath string
	AuditLogger  *AuditLogger
	Salt         []byte // Optional: if nil, will be generated
}

var validKeyID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// InitKeyStore derives the master key and loads any persisted secrets.
func InitKeyStore(config Config) (*KeyStore, error) {
	if config.MasterKey == "" {
		return nil, errors.New("master key required")
	}

	salt := config.Salt
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	audit := config.AuditLogger
	if audit == nil {
		audit = NewAuditLogger(nil)
	}

	ks := &KeyStore{
		secrets:      make(map[string]*Secret),
		masterKey:    deriveKey(config.MasterKey, string(salt), 32),
		keyStorePath: config.KeyStorePath,
		auditLogger:  audit,
	}

	if err := ks.loadSecrets(); err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	ks.auditLogger.LogOperation("KEYSTORE_INIT", "system", "KEYSTORE_INIT", fmt.Sprintf("%d secrets loaded", len(ks.secrets)))
	return ks, nil
}

// StoreSecret creates or replaces the secret for keyID.
func (k *KeyStore) StoreSecret(keyID string, secret []byte) error {
	if err := validateKeyID(keyID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}
	if len(secret) == 0 {
		return errors.New("secret cannot be empty")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	s := &Secret{
		ID:        keyID,
		Value:     append([]byte(nil), secret...),
		CreatedAt: time.Now(),
		IsActive:  true,
	}

	if err := k.saveSecretToDisk(s); err != nil {
		return fmt.Errorf("failed to save secret to disk: %w", err)
	}
	k.secrets[keyID] = s

	k.auditLogger.LogOperation("SECRET_STORED", keyID, "SECRET_STORED", "provider secret stored")
	return nil
}

func (k *KeyStore) HasSecret(keyID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.secrets[keyID]
	return ok && s.IsActive
}

// DeleteSecret removes a secret from memory and disk.
func (k *KeyStore) DeleteSecret(keyID string) error {
	if err := validateKeyID(keyID); err != nil {
		return fmt.Errorf("invalid key ID: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.secrets[keyID]; !exists {
		return fmt.Errorf("secret %s not found", keyID)
	}
	delete(k.secrets, keyID)

	if k.keyStorePath != "" {
		path := filepath.Join(k.keyStorePath, keyID+".key")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	k.auditLogger.LogOperation("SECRET_DELETED", keyID, "SECRET_DELETED", "provider secret deleted")
	return nil
}

func (k *KeyStore) Sign(keyID string, payload []byte) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s, exists := k.secrets[keyID]
	if !exists {
		return "", fmt.Errorf("secret %s not found", keyID)
	}
	if !s.IsActive {
		return "", fmt.Errorf("secret %s is not active", keyID)
	}

	return hex.EncodeToString(computeMAC(s.Value, payload)), nil
}

func (k *KeyStore) Verify(keyID string, payload []byte, signature string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	s, exists := k.secrets[keyID]
	if !exists {
		return false, fmt.Errorf("secret %s not found", keyID)
	}

	given, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil || len(given) == 0 {
		return false, nil
	}

	return hmac.Equal(given, computeMAC(s.Value, payload)), nil
}

func computeMAC(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func (k *KeyStore) loadSecrets() error {
	if k.keyStorePath == "" {
		return nil
	}

	if err := os.MkdirAll(k.keyStorePath, 0700); err != nil {
		return err
	}

	files, err := os.ReadDir(k.keyStorePath)
	if err != nil {
		return err
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".key" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(k.keyStorePath, file.Name()))
		if err != nil {
			continue
		}

		decrypted, err := k.decryptWithMasterKey(data)
		if err != nil {
			k.auditLogger.LogError("KEYSTORE_LOAD", file.Name(), err)
			continue
		}

		var s Secret
		if err := json.Unmarshal(decrypted, &s); err != nil {
			continue
		}
		k.secrets[s.ID] = &s
	}

	return nil
}

func (k *KeyStore) saveSecretToDisk(s *Secret) error {
	if k.keyStorePath == "" {
		return nil
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	encrypted, err := k.encryptWithMasterKey(data)
	if err != nil {
		return err
	}

	path := filepath.Join(k.keyStorePath, s.ID+".key")
	return os.WriteFile(path, encrypted, 0600)
}

func (k *KeyStore) encryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (k *KeyStore) decryptWithMasterKey(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func deriveKey(password, salt string, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), []byte(salt), 3, 32*1024, 4, keyLen)
}

// validateKeyID rejects IDs that could escape the key store directory.
func validateKeyID(keyID string) error {
	if keyID == "" {
		return errors.New("key ID cannot be empty")
	}
	if filepath.IsAbs(keyID) {
		return errors.New("key ID cannot be an absolute path")
	}
	if filepath.Clean(keyID) != keyID {
		return errors.New("key ID contains invalid path elements")
	}
	if !validKeyID.MatchString(keyID) {
		return errors.New("key ID contains invalid characters")
	}
	return nil
}
