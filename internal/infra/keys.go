package infra

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SigningKeys: пара Ed25519 для сертификатов релиза, подписи пакетов и логов.
type SigningKeys struct {
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	PublicPEM []byte
	Ephemeral bool
}

// ParseEd25519Keys принимает PEM как есть или в base64 (удобно для ENV в Docker/K8s).
func ParseEd25519Keys(privData, pubData []byte) (*SigningKeys, error) {
	privPEM, err := decodePEMResource(privData)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	priv, err := jwt.ParseEdPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	edPriv, ok := priv.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ed25519")
	}

	// Публичный ключ опционален: выводим из приватного
	var edPub ed25519.PublicKey
	if len(pubData) > 0 {
		pubPEM, err := decodePEMResource(pubData)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		pub, err := jwt.ParseEdPublicKeyFromPEM(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		if edPub, ok = pub.(ed25519.PublicKey); !ok {
			return nil, fmt.Errorf("public key is not ed25519")
		}
		if !edPub.Equal(edPriv.Public()) {
			return nil, fmt.Errorf("public key does not match private key")
		}
	} else {
		edPub = edPriv.Public().(ed25519.PublicKey)
	}

	return newSigningKeys(edPriv, edPub, false)
}

// GenerateEd25519Keys: эфемерная пара на время жизни процесса (только не-production).
func GenerateEd25519Keys() (*SigningKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519: %w", err)
	}
	return newSigningKeys(priv, pub, true)
}

// MarshalPrivatePEM кодирует приватный ключ в PKCS#8 PEM.
func (k *SigningKeys) MarshalPrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKeyFromPEM разбирает опубликованный ключ (используется offline verifier'ом).
func PublicKeyFromPEM(data []byte) (ed25519.PublicKey, error) {
	pub, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}
	return edPub, nil
}

// PublicKeyPEM кодирует публичный ключ в PKIX PEM.
func PublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func newSigningKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey, ephemeral bool) (*SigningKeys, error) {
	pubPEM, err := PublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	return &SigningKeys{
		Private:   priv,
		Public:    pub,
		PublicPEM: pubPEM,
		Ephemeral: ephemeral,
	}, nil
}

func decodePEMResource(data []byte) ([]byte, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, fmt.Errorf("key data is empty")
	}
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key is neither PEM nor base64 PEM: %w", err)
	}
	return decoded, nil
}
