package service

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/xela07ax/trustgate/internal/engine"
	"github.com/xela07ax/trustgate/internal/releasecert"
)

// Decider: пайплайн решения (engine.Releaser).
type Decider interface {
	Decide(ctx context.Context, req engine.ReleaseRequest) (*engine.Outcome, error)
}

// CertAuthority: публичная сторона подписанта сертификатов.
type CertAuthority interface {
	Meta() releasecert.Meta
	PublicKey() ed25519.PublicKey
}

type ReleaseService struct {
	decider Decider
	certs   CertAuthority
}

func NewReleaseService(d Decider, certs CertAuthority) *ReleaseService {
	return &ReleaseService{decider: d, certs: certs}
}

func (s *ReleaseService) Decide(ctx context.Context, req engine.ReleaseRequest) (*engine.Outcome, error) {
	out, err := s.decider.Decide(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("release_service: decide: %w", err)
	}
	return out, nil
}

func (s *ReleaseService) Meta() releasecert.Meta {
	return s.certs.Meta()
}

// VerifyToken проверяет сертификат опубликованным ключом.
func (s *ReleaseService) VerifyToken(token string) (*releasecert.Payload, error) {
	return releasecert.Verify(token, s.certs.PublicKey())
}
