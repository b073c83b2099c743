package shredder

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// EnvelopePrefix отмечает байты, зашифрованные ключом workspace.
	EnvelopePrefix = "LEXI_SHRED_V1:"
	KeyBytes       = 32
	ivBytes        = 12
	envelopeV1     = 1
)

// Envelope: AES-256-GCM шифртекст с раздельными iv и tag.
type Envelope struct {
	V       int    `json:"v"`
	IV      string `json:"iv"`
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// IsEnvelope сообщает, зашифрованы ли байты.
func IsEnvelope(data []byte) bool {
	return bytes.HasPrefix(data, []byte(EnvelopePrefix))
}

func seal(key, plaintext []byte) (ivOut, tagOut, ctOut []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv := make([]byte, ivBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("shredder: iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - aead.Overhead()
	return iv, sealed[split:], sealed[:split], nil
}

func open(key, iv, tag, ct []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivBytes {
		return nil, fmt.Errorf("shredder: invalid iv length %d", len(iv))
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(append(sealed, ct...), tag...)
	out, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("shredder: open envelope: %w", err)
	}
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyBytes {
		return nil, fmt.Errorf("shredder: invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encodeEnvelope: EnvelopePrefix + JSON{v, iv, tag, content}.
func encodeEnvelope(iv, tag, ct []byte) ([]byte, error) {
	body, err := json.Marshal(Envelope{
		V:       envelopeV1,
		IV:      base64.StdEncoding.EncodeToString(iv),
		Tag:     base64.StdEncoding.EncodeToString(tag),
		Content: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(EnvelopePrefix), body...), nil
}

func decodeEnvelope(data []byte) (iv, tag, ct []byte, err error) {
	var env Envelope
	if err := json.Unmarshal(data[len(EnvelopePrefix):], &env); err != nil {
		return nil, nil, nil, fmt.Errorf("shredder: malformed envelope: %w", err)
	}
	if env.V != envelopeV1 {
		return nil, nil, nil, fmt.Errorf("shredder: unsupported envelope version %d", env.V)
	}
	if iv, err = base64.StdEncoding.DecodeString(env.IV); err != nil {
		return nil, nil, nil, fmt.Errorf("shredder: envelope iv: %w", err)
	}
	if tag, err = base64.StdEncoding.DecodeString(env.Tag); err != nil {
		return nil, nil, nil, fmt.Errorf("shredder: envelope tag: %w", err)
	}
	if ct, err = base64.StdEncoding.DecodeString(env.Content); err != nil {
		return nil, nil, nil, fmt.Errorf("shredder: envelope content: %w", err)
	}
	return iv, tag, ct, nil
}
