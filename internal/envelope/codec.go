// internal/envelope/codec.go
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"iot-trust-gateway/internal/canonical"
	"iot-trust-gateway/internal/data"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrDecryption covers every way an encrypted envelope can fail to open.
	// Callers treat it as tamper evidence.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidKey means the shared key is not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrNotSigned means Encrypt was handed a payload without a signature.
	ErrNotSigned = errors.New("payload is not signed")
)

// Codec encrypts signed envelopes with a shared AES-256 key.
type Codec struct {
	block cipher.Block
	rand  io.Reader
	now   func() time.Time
}

// NewCodec validates key and prepares the block cipher.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Codec{block: block, rand: rand.Reader, now: time.Now}, nil
}

// Encrypt serializes signed, pads it and encrypts it under a fresh random IV.
func (c *Codec) Encrypt(signed data.Fields) (Encrypted, error) {
	if !signed.Has(data.KeySignature) {
		return Encrypted{}, ErrNotSigned
	}
	plaintext, err := canonical.Marshal(map[string]any(signed))
	if err != nil {
		return Encrypted{}, fmt.Errorf("encrypt: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return Encrypted{}, fmt.Errorf("encrypt: generating iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	return Encrypted{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Timestamp:     data.Seconds(c.now()),
		IsEncrypted:   true,
	}, nil
}

// Decrypt reverses Encrypt. All failures wrap ErrDecryption.
func (c *Codec) Decrypt(e Encrypted) (data.Fields, error) {
	if !e.IsEncrypted {
		return nil, fmt.Errorf("%w: envelope not flagged as encrypted", ErrDecryption)
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecryption, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecryption, aes.BlockSize, len(iv))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrDecryption, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrDecryption, len(ciphertext), aes.BlockSize)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	fields, err := data.Decode(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return fields, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
