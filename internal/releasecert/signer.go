// Package releasecert выпускает подписанный сертификат решения релиз-гейта,
// сцепленный хешами с предыдущими сертификатами того же workspace.
package releasecert

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/trustgate/internal/canonical"
	"github.com/xela07ax/trustgate/internal/domain"
	"github.com/xela07ax/trustgate/internal/infra"
	"github.com/xela07ax/trustgate/internal/policy"
	"go.uber.org/zap"
)

const (
	Algorithm    = "EdDSA"
	CertVersion  = "1"
	ChainVersion = "1"

	// HeaderCert и HeaderChain: заголовки ответа с токеном и читаемой сводкой цепочки.
	HeaderCert  = "X-Release-Cert"
	HeaderChain = "X-Release-Chain"

	defaultWorkspace = "global"
	literalGenesis   = "GENESIS"
	casAttempts      = 5
)

var (
	// ErrKeysMissing: ключи не настроены в production.
	ErrKeysMissing = errors.New("releasecert: signing keys are required in production")
	// ErrChainContention: голову цепочки не удалось продвинуть за отведенные попытки.
	ErrChainContention = errors.New("releasecert: certificate chain contention")
	// ErrInvalidToken: подпись или структура токена не прошли проверку.
	ErrInvalidToken = errors.New("releasecert: invalid certificate token")

	errHeadMoved = errors.New("releasecert: chain head moved")
)

// Payload: полезная нагрузка сертификата.
type Payload struct {
	V              string             `json:"v"`
	KID            string             `json:"kid"`
	Decision       domain.Decision    `json:"decision"`
	PolicyID       string             `json:"policyId"`
	PolicyHash     string             `json:"policyHash"`
	GuardrailsHash string             `json:"guardrailsHash,omitempty"`
	WorkspaceID    string             `json:"workspaceId"`
	ExhibitID      string             `json:"exhibitId,omitempty"`
	Anchors        []domain.AnchorRef `json:"anchors"`
	Chain          ChainLink          `json:"chain"`
	Timestamp      string             `json:"timestamp"`
	Nonce          string             `json:"nonce"`
	BuildSHA       string             `json:"buildSha,omitempty"`

	jwt.RegisteredClaims
}

// Request: то, что решил гейт и что нужно засвидетельствовать.
type Request struct {
	Decision       domain.Decision
	WorkspaceID    string
	ExhibitID      string
	Anchors        []domain.AnchorRef
	GuardrailsHash string
}

// Certificate: выпущенный сертификат.
type Certificate struct {
	Token   string  `json:"token"`
	Payload Payload `json:"payload"`
}

// Summary: "v=1;seq=N;prev=<12>;hash=<12>;scope=process".
func (c *Certificate) Summary(scope string) string {
	ch := c.Payload.Chain
	return fmt.Sprintf("v=%s;seq=%d;prev=%s;hash=%s;scope=%s",
		ch.V, ch.Seq, short(ch.Prev), short(ch.Hash), scope)
}

// Meta: публичные сведения для проверяющих.
type Meta struct {
	Algorithm    string `json:"algorithm"`
	PublicKeyB64 string `json:"publicKeyB64"`
	Policy       string `json:"policy"`
	PolicyHash   string `json:"policyHash"`
	Version      string `json:"version"`
	KID          string `json:"kid"`
	ChainVersion string `json:"chainVersion"`
	ChainScope   string `json:"chainScope"`
	GenesisMode  string `json:"genesisMode"`
}

type Options struct {
	GenesisSeed string
	BuildSHA    string
}

type Signer struct {
	keys   *infra.SigningKeys
	kid    string
	chain  ChainStore
	policy policy.ReleasePolicy
	opts   Options
	now    func() time.Time
	logger *zap.Logger
}

// ResolveKeys возвращает сконфигурированные ключи либо эфемерные вне production.
func ResolveKeys(keys *infra.SigningKeys, production bool, logger *zap.Logger) (*infra.SigningKeys, error) {
	if keys != nil {
		return keys, nil
	}
	if production {
		return nil, ErrKeysMissing
	}
	logger.Warn("release_cert_keys_missing: using ephemeral keys for this process")
	return infra.GenerateEd25519Keys()
}

func NewSigner(keys *infra.SigningKeys, chain ChainStore, opts Options, logger *zap.Logger) *Signer {
	if opts.BuildSHA == "" {
		opts.BuildSHA = BuildSHAFromEnv()
	}
	return &Signer{
		keys:   keys,
		kid:    KeyID(keys.PublicPEM),
		chain:  chain,
		policy: policy.NoAnchorNoOutput,
		opts:   opts,
		now:    time.Now,
		logger: logger.Named("releasecert"),
	}
}

// KeyID: первые 16 hex-символов SHA-256 публичного PEM.
func KeyID(publicPEM []byte) string {
	return canonical.SHA256Hex(publicPEM)[:16]
}

func (s *Signer) KID() string { return s.kid }

// Genesis: детерминированное начало цепочки workspace.
func Genesis(seed, workspaceID string) string {
	if seed == "" {
		return literalGenesis
	}
	return canonical.HashString("GENESIS:" + seed + ":" + workspaceID)
}

// Issue строит, сцепляет и подписывает сертификат.
// Голова цепочки продвигается оптимистично: при гонке звено пересчитывается заново.
func (s *Signer) Issue(ctx context.Context, req Request) (*Certificate, error) {
	ws := req.WorkspaceID
	if ws == "" {
		ws = defaultWorkspace
	}
	anchors := req.Anchors
	if anchors == nil {
		anchors = []domain.AnchorRef{}
	}

	var cert *Certificate
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(casAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errHeadMoved) }),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Duration(rand.Int64N(int64(10 * time.Millisecond)))
		}),
	)
	err := r.Do(func() error {
		// 1. Текущая голова
		head, err := s.chain.Head(ctx, ws)
		if err != nil {
			return err
		}
		link := ChainLink{V: ChainVersion, Seq: 1, Prev: Genesis(s.opts.GenesisSeed, ws)}
		if head != nil {
			link.Seq = head.Seq + 1
			link.Prev = head.Hash
		}

		// 2. Черновик и финальная подпись
		payload := Payload{
			V:              CertVersion,
			KID:            s.kid,
			Decision:       req.Decision,
			PolicyID:       s.policy.ID,
			PolicyHash:     s.policy.Hash(),
			GuardrailsHash: req.GuardrailsHash,
			WorkspaceID:    ws,
			ExhibitID:      req.ExhibitID,
			Anchors:        anchors,
			Chain:          link,
			Timestamp:      s.now().UTC().Format(time.RFC3339Nano),
			Nonce:          uuid.NewString(),
			BuildSHA:       s.opts.BuildSHA,
		}
		token, err := s.signTwoPhase(&payload)
		if err != nil {
			return err
		}

		// 3. Продвигаем голову, только если ее никто не сдвинул
		ok, err := s.chain.CompareAndSwap(ctx, ws, head, payload.Chain)
		if err != nil {
			return err
		}
		if !ok {
			return errHeadMoved
		}
		cert = &Certificate{Token: token, Payload: payload}
		return nil
	})
	if errors.Is(err, errHeadMoved) {
		s.logger.Error("certificate chain contention", zap.String("workspace_id", ws))
		return nil, ErrChainContention
	}
	if err != nil {
		return nil, fmt.Errorf("releasecert: issue: %w", err)
	}
	return cert, nil
}

// signTwoPhase: подпись с пустым chain.hash -> хеш черновика -> финальная подпись.
func (s *Signer) signTwoPhase(p *Payload) (string, error) {
	p.Chain.Hash = ""
	draft, err := s.sign(p)
	if err != nil {
		return "", err
	}
	p.Chain.Hash = canonical.HashString(draft)
	return s.sign(p)
}

func (s *Signer) sign(p *Payload) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, p)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.keys.Private)
	if err != nil {
		return "", fmt.Errorf("releasecert: sign: %w", err)
	}
	return signed, nil
}

// Meta: публичные сведения о ключе и политике.
func (s *Signer) Meta() Meta {
	mode := "literal"
	if s.opts.GenesisSeed != "" {
		mode = "seeded"
	}
	return Meta{
		Algorithm:    Algorithm,
		PublicKeyB64: base64.StdEncoding.EncodeToString(s.keys.PublicPEM),
		Policy:       s.policy.ID,
		PolicyHash:   s.policy.Hash(),
		Version:      CertVersion,
		KID:          s.kid,
		ChainVersion: ChainVersion,
		ChainScope:   s.chain.Scope(),
		GenesisMode:  mode,
	}
}

// Scope: область видимости цепочки, для заголовка сводки.
func (s *Signer) Scope() string { return s.chain.Scope() }

// PublicKey: ключ, которым проверяются выданные сертификаты.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.keys.Public }

// Verify проверяет подпись токена опубликованным ключом и возвращает полезную нагрузку.
func Verify(token string, pub ed25519.PublicKey) (*Payload, error) {
	kid := KeyID(publicPEMOrNil(pub))
	var payload Payload
	parsed, err := jwt.ParseWithClaims(token, &payload, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		if hk, _ := t.Header["kid"].(string); kid != "" && hk != kid {
			return nil, fmt.Errorf("unknown kid %q", hk)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{Algorithm}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &payload, nil
}

func publicPEMOrNil(pub ed25519.PublicKey) []byte {
	keys, err := infra.PublicKeyPEM(pub)
	if err != nil {
		return nil
	}
	return keys
}

// BuildSHAFromEnv: коммит сборки из GIT_SHA или COMMIT_SHA.
func BuildSHAFromEnv() string {
	if v := os.Getenv("GIT_SHA"); v != "" {
		return v
	}
	return os.Getenv("COMMIT_SHA")
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
