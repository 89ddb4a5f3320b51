package resolver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
	"golang.org/x/crypto/hkdf"
	"gorm.io/datatypes"
)

const credentialKeyInfo = "smsgate/provider-credentials/v1"

type encryptedPayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Sealer encrypts provider credentials at rest with AES-256-GCM.
type Sealer struct {
	key []byte
}

// NewSealer derives the data key from secret; an empty secret yields a sealer that refuses to work.
func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &Sealer{}, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(credentialKeyInfo)), key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Enabled() bool {
	return s != nil && len(s.key) > 0
}

func (s *Sealer) Seal(credentials map[string]string) (datatypes.JSON, error) {
	if !s.Enabled() {
		return nil, providerdomain.ErrEncryptionKeyMissing
	}

	payload, err := json.Marshal(credentials)
	if err != nil {
		return nil, err
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, payload, nil)
	out, err := json.Marshal(encryptedPayload{
		Version:    1,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func (s *Sealer) Open(raw datatypes.JSON) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]string{}, nil
	}
	if !s.Enabled() {
		return nil, providerdomain.ErrEncryptionKeyMissing
	}

	var envelope encryptedPayload
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Version != 1 {
		return nil, providerdomain.ErrInvalidCiphertext
	}
	nonce, err := base64.RawStdEncoding.DecodeString(envelope.Nonce)
	if err != nil {
		return nil, providerdomain.ErrInvalidCiphertext
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(envelope.Ciphertext)
	if err != nil {
		return nil, providerdomain.ErrInvalidCiphertext
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, providerdomain.ErrInvalidCiphertext
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, providerdomain.ErrInvalidCiphertext
	}

	out := map[string]string{}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, providerdomain.ErrInvalidCiphertext
	}
	return out, nil
}

func (s *Sealer) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
