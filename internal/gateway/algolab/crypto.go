package algolab

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
)

// AlgoLab encrypts credential fields with AES-128-CBC using an all-zero IV
// and PKCS7 padding. The AES key is the base64-decoded payload of the API
// key, i.e. everything after the "API-" prefix. Output is standard base64.

const apiKeyPrefix = "API-"

// aesKeyFromAPIKey derives the AES key from the configured API key.
func aesKeyFromAPIKey(apiKey string) ([]byte, error) {
	code := strings.TrimPrefix(strings.TrimSpace(apiKey), apiKeyPrefix)
	if code == "" {
		return nil, fmt.Errorf("api key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("api key payload is not valid base64: %w", err)
	}
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("api key payload must decode to %d bytes, got %d", aes.BlockSize, len(key))
	}
	return key, nil
}

// encryptField encrypts one credential value for the login endpoints.
func encryptField(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// decryptField reverses encryptField. Only used by tests and local tooling;
// the broker never sends encrypted values back.
func decryptField(key []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(raw))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(raw))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)
	return string(pkcs7Unpad(out, aes.BlockSize)), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return data
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return data
		}
	}
	return data[:len(data)-n]
}
