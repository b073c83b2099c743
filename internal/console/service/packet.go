package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/xela07ax/trustgate/internal/audit"
	"github.com/xela07ax/trustgate/internal/connectors"
	"github.com/xela07ax/trustgate/internal/packet"
	"github.com/xela07ax/trustgate/internal/trustgraph"
	"go.uber.org/zap"
)

// EventSource: журнал в объеме, нужном для экспорта.
type EventSource interface {
	Events(ctx context.Context, workspaceID string) ([]audit.Event, error)
	VerifyChain(ctx context.Context, workspaceID string) (audit.Verification, error)
}

type ArtifactLister interface {
	List(ctx context.Context, workspaceID string, limit int) ([]trustgraph.DerivedArtifact, error)
}

// ReportSource добавляет в пакет готовые отчеты (PDF) workspace.
type ReportSource interface {
	Reports(ctx context.Context, workspaceID string) ([]packet.File, error)
}

type PacketService struct {
	events    EventSource
	artifacts ArtifactLister
	reports   ReportSource
	builder   *packet.Builder
	logger    *zap.Logger
}

func NewPacketService(events EventSource, artifacts ArtifactLister, reports ReportSource, b *packet.Builder, logger *zap.Logger) *PacketService {
	return &PacketService{events: events, artifacts: artifacts, reports: reports, builder: b, logger: logger.Named("packets")}
}

// Export собирает и подписывает пакет workspace и пишет его zip-архивом.
func (s *PacketService) Export(ctx context.Context, workspaceID string, w io.Writer) (*packet.Manifest, error) {
	// 1. Журнал и его проверка на момент экспорта
	events, err := s.events.Events(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("packet_service: events: %w", err)
	}
	verification, err := s.events.VerifyChain(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("packet_service: verify chain: %w", err)
	}

	// 2. Артефакты trust graph
	artifacts, err := s.artifacts.List(ctx, workspaceID, 0)
	if err != nil {
		return nil, fmt.Errorf("packet_service: artifacts: %w", err)
	}

	// 3. Отчеты, если они есть
	var extra []packet.File
	if s.reports != nil {
		if extra, err = s.reports.Reports(ctx, workspaceID); err != nil {
			return nil, fmt.Errorf("packet_service: reports: %w", err)
		}
	}

	p, err := s.builder.Build(packet.Contents{
		WorkspaceID:  workspaceID,
		Artifacts:    artifacts,
		Events:       events,
		Verification: verification,
		Extra:        extra,
	})
	if err != nil {
		return nil, err
	}
	if err := p.WriteZip(w); err != nil {
		return nil, err
	}

	s.logger.Info("proof packet exported",
		zap.String("workspace_id", workspaceID),
		zap.Int("files", len(p.Files)),
		zap.Int("events", len(events)),
		zap.Bool("chain_valid", verification.Valid),
	)
	return &p.Manifest, nil
}

// StoredReports берет отчеты из объектного хранилища: <prefix>/<ws>/<name>.
// Отсутствующий отчет пропускается.
type StoredReports struct {
	store  connectors.ObjectStore
	prefix string
	names  []string
}

func NewStoredReports(store connectors.ObjectStore, prefix string, names ...string) *StoredReports {
	return &StoredReports{store: store, prefix: prefix, names: names}
}

func (r *StoredReports) Reports(ctx context.Context, workspaceID string) ([]packet.File, error) {
	var out []packet.File
	for _, name := range r.names {
		data, err := r.store.Download(ctx, path.Join(r.prefix, workspaceID, name))
		if errors.Is(err, connectors.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, packet.File{Path: path.Join("reports", name), Data: data})
	}
	return out, nil
}
