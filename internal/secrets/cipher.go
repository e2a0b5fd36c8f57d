package secrets

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrCipher wraps every record encryption or decryption failure.
var ErrCipher = errors.New("cipher failure")

// ErrNoKey is returned when a Cipher was built without a secret.
var ErrNoKey = fmt.Errorf("%w: encryption key not configured", ErrCipher)

const cipherKeySize = 32

// Cipher encrypts credential records stored in the remote tier. It uses
// AES-256-CBC with a fixed zero IV and PKCS#7 padding and renders the result
// as hex, so records written by older deployments stay readable.
type Cipher struct {
	key []byte
}

// NewCipher derives the record key from secret. An empty secret yields a
// Cipher whose operations fail with ErrNoKey.
func NewCipher(secret string) *Cipher {
	if secret == "" {
		return &Cipher{}
	}
	return &Cipher{key: DeriveKey(secret)}
}

// DeriveKey pads secret with '0' to 32 bytes and truncates anything longer.
func DeriveKey(secret string) []byte {
	key := []byte(secret)
	if len(key) < cipherKeySize {
		key = append(key, bytes.Repeat([]byte{'0'}, cipherKeySize-len(key))...)
	}
	return key[:cipherKeySize]
}

// Configured reports whether the cipher has a key.
func (c *Cipher) Configured() bool {
	return c != nil && len(c.key) == cipherKeySize
}

// Encrypt returns the hex ciphertext of plaintext.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	block, err := c.block()
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)

	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	block, err := c.block()
	if err != nil {
		return nil, err
	}

	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex: %v", ErrCipher, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrCipher, len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, data)

	return pkcs7Unpad(out, aes.BlockSize)
}

func (c *Cipher) block() (cipher.Block, error) {
	if !c.Configured() {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCipher, err)
	}
	return block, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrCipher)
		}
	}
	return data[:len(data)-n], nil
}
