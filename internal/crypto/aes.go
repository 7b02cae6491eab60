// Package crypto decodes the deep-link token that launches a
// verification session. Key and IV both derive from one shared secret
// (prefix truncation) — a deliberate simplification scoped to this
// single parameter, not a general-purpose scheme.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

const (
	keySize = 32
	ivSize  = 16
)

// deriveKey takes the secret's first 32 bytes, zero-padding shorter
// secrets up to a valid AES key length.
func deriveKey(secret string) []byte {
	key := make([]byte, keySize)
	copy(key, secret)
	if len(secret) < keySize {
		switch {
		case len(secret) <= 16:
			return key[:16]
		case len(secret) <= 24:
			return key[:24]
		}
	}
	return key
}

// deriveIV takes the secret's first 16 bytes, zero-padded.
func deriveIV(secret string) []byte {
	iv := make([]byte, ivSize)
	copy(iv, secret)
	return iv
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("crypto: invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("crypto: invalid padding byte %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("crypto: corrupt padding")
		}
	}
	return b[:len(b)-n], nil
}

// EncryptAES encrypts plaintext with AES-CBC under the derived
// key/IV pair and returns standard base64.
func EncryptAES(plaintext, secret string) (string, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, deriveIV(secret)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptAES reverses EncryptAES.
func DecryptAES(encoded, secret string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("crypto: ciphertext not block aligned")
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, deriveIV(secret)).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
