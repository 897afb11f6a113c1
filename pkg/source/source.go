// Package source produces image bytes: memory-mapped files, HTTP downloads
// and payloads sealed with a password.
package source

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrEmpty    = errors.New("image source is empty")
	ErrTooShort = errors.New("sealed payload is shorter than its nonce")
)

// File is a read-only mapping of an image file.
type File struct {
	f *os.File
	m mmap.MMap
}

// FromFile maps path into memory. Close releases the mapping; the bytes must
// not be used afterwards.
func FromFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, m: m}, nil
}

func (f *File) Bytes() []byte { return f.m }

func (f *File) Close() error {
	err := f.m.Unmap()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Fetch downloads url. client may be nil.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, url)
	}
	return body, nil
}

// FetchSealed downloads a sealed payload and opens it with password.
func FetchSealed(ctx context.Context, client *http.Client, url, password string) ([]byte, error) {
	sealed, err := Fetch(ctx, client, url)
	if err != nil {
		return nil, err
	}
	return Open(sealed, password)
}

func aead(password string) (cipher.AEAD, error) {
	kd := blake2b.Sum256([]byte(password))
	return chacha20poly1305.New(kd[:])
}

// Open decrypts a payload produced by Seal: the nonce followed by the
// ChaCha20-Poly1305 ciphertext, keyed with the BLAKE2b-256 of password.
func Open(sealed []byte, password string) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrTooShort
	}
	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]

	c, err := aead(password)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed payload: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext for Open under a fresh random nonce.
func Seal(plaintext []byte, password string) ([]byte, error) {
	c, err := aead(password)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.Seal(nonce, nonce, plaintext, nil), nil
}
