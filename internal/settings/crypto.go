package settings

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrBadCiphertext = errors.New("bad ciphertext")

// Key is a hex encoded AES-256 key and CBC initialization vector.
type Key struct {
	KeyHex string
	IVHex  string
}

func (k Key) block() (cipher.Block, []byte, error) {
	key, err := hex.DecodeString(k.KeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	iv, err := hex.DecodeString(k.IVHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, nil, fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	return block, iv, nil
}

// Encrypt returns the base64 AES-256-CBC ciphertext of plaintext with PKCS#7 padding.
func Encrypt(plaintext []byte, k Key) (string, error) {
	block, iv, err := k.block()
	if err != nil {
		return "", err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(bytes.Clone(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertext string, k Key) ([]byte, error) {
	block, iv, err := k.block()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrBadCiphertext
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, ErrBadCiphertext
		}
	}
	return out[:len(out)-pad], nil
}
