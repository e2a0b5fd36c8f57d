package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/adrg/xdg"
)

// FileStore implements Store using an AES-256-GCM encrypted file.
// This is the fallback where no OS keyring is available (WSL, headless, containers).
type FileStore struct {
	path string
	key  []byte
}

// DefaultFilePath is where NewStore keeps the encrypted secrets file.
func DefaultFilePath() string {
	return filepath.Join(xdg.DataHome, ServiceName, "secrets.enc")
}

// NewFileStore creates a file-backed store at path (DefaultFilePath when empty).
// If password is empty, a machine-specific key is used (less secure, prints warning).
func NewFileStore(path, password string) (*FileStore, error) {
	if path == "" {
		path = DefaultFilePath()
	}

	var key []byte
	if password == "" {
		hostname, _ := os.Hostname()
		username := os.Getenv("USER")
		if username == "" {
			username = os.Getenv("USERNAME") // Windows fallback
		}
		hash := sha256.Sum256([]byte(fmt.Sprintf("%s@%s", username, hostname)))
		key = hash[:]
		warnOnce("WARNING: Using machine-specific encryption key for the secrets file. Set CREDKEEP_STORE_PASSWORD for better protection.")
	} else {
		// TODO: derive with scrypt or argon2 once existing files can be migrated
		hash := sha256.Sum256([]byte(password))
		key = hash[:]
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secrets directory: %w", err)
	}

	return &FileStore{path: path, key: key}, nil
}

// Path returns the location of the encrypted file.
func (s *FileStore) Path() string { return s.path }

// seal encrypts plaintext with a random 12-byte nonce prepended.
func (s *FileStore) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal.
func (s *FileStore) open(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// readAll decrypts and parses the secrets file.
// A missing or empty file is an empty store.
func (s *FileStore) readAll() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	if len(data) == 0 {
		return make(map[string]string), nil
	}

	plaintext, err := s.open(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	if entries == nil {
		entries = make(map[string]string)
	}

	return entries, nil
}

// writeAll encrypts entries and replaces the file via rename.
func (s *FileStore) writeAll(entries map[string]string) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}

	ciphertext, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}

	return nil
}

// Get retrieves a secret by key.
func (s *FileStore) Get(key string) (string, error) {
	entries, err := s.readAll()
	if err != nil {
		return "", err
	}

	value, ok := entries[key]
	if !ok {
		return "", ErrNotFound
	}

	return value, nil
}

// Set stores a secret.
func (s *FileStore) Set(key, value string) error {
	entries, err := s.readAll()
	if err != nil {
		return err
	}

	entries[key] = value
	return s.writeAll(entries)
}

// Delete removes a secret.
func (s *FileStore) Delete(key string) error {
	entries, err := s.readAll()
	if err != nil {
		return err
	}

	if _, ok := entries[key]; !ok {
		return ErrNotFound
	}

	delete(entries, key)
	return s.writeAll(entries)
}

// List returns all keys in sorted order.
func (s *FileStore) List() ([]string, error) {
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys, nil
}
