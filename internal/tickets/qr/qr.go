// Package qr seals ticket redemption data into QR codes that only this
// service can read back.
package qr

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrInvalidCode = errors.New("invalid ticket code")

// Payload is what a ticket QR carries.
type Payload struct {
	TicketID  uuid.UUID `json:"t"`
	RedeemKey string    `json:"k"`
	IssuedAt  int64     `json:"iat"`
}

type Generator struct {
	secret []byte
}

// NewGenerator derives the sealing key from secret.
func NewGenerator(secret string) (*Generator, error) {
	if secret == "" {
		return nil, errors.New("QR_SECRET_KEY not set")
	}
	hashed := sha256.Sum256([]byte(secret)) // normalize to 32 bytes
	return &Generator{secret: hashed[:]}, nil
}

// Seal encrypts p into a URL-safe string.
func (g *Generator) Seal(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(g.secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, data, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Tampered or foreign codes fail with ErrInvalidCode.
func (g *Generator) Open(code string) (*Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return nil, ErrInvalidCode
	}
	aead, err := chacha20poly1305.NewX(g.secret)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrInvalidCode
	}
	data, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrInvalidCode
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return &p, nil
}

// PNG renders the sealed payload as a size x size QR image.
func (g *Generator) PNG(p Payload, size int) ([]byte, error) {
	code, err := g.Seal(p)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
