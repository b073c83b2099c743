package shredder

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trustgate/internal/infra"
	"go.uber.org/zap"
)

// Registry разделяет факт уничтожения ключей между инстансами:
// множество уничтоженных workspace в Redis (состояние) + Pub/Sub канал (событие).
type Registry struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRegistry(rdb *redis.Client, logger *zap.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger.Named("shred_registry")}
}

// PublishShred реализует Signaler: сначала состояние, потом событие.
func (r *Registry) PublishShred(ctx context.Context, workspaceID string) error {
	if err := r.rdb.SAdd(ctx, infra.RedisKeyShreddedWorkspaces, workspaceID).Err(); err != nil {
		return fmt.Errorf("shredder: mark shredded: %w", err)
	}
	if err := r.rdb.Publish(ctx, infra.RedisChanShredSignal, workspaceID+":true").Err(); err != nil {
		return fmt.Errorf("shredder: publish shred signal: %w", err)
	}
	return nil
}

// Shredded: текущее множество уничтоженных workspace.
func (r *Registry) Shredded(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, infra.RedisKeyShreddedWorkspaces).Result()
}

// Warmup прогревает локальное состояние из БД и при необходимости заливает его в Redis.
func (r *Registry) Warmup(ctx context.Context, store KeyStore, s *Shredder) error {
	ids, err := store.ShreddedWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("shredder: list shredded workspaces: %w", err)
	}
	return infra.WarmupState(ctx, r.rdb, r.logger, ids,
		infra.RedisKeyShreddedWorkspaces, infra.RedisKeyLockShredded,
		func(ids []string) { s.Forget(ids...) })
}

// Listen блокируется до отмены ctx; каждый сигнал затирает локальную копию ключа.
func (r *Registry) Listen(ctx context.Context, s *Shredder) {
	r.logger.Info("shred signal listener started")
	infra.ListenStateResilient(ctx, r.rdb, r.logger, infra.RedisChanShredSignal,
		func() error {
			ids, err := r.Shredded(ctx)
			if err != nil {
				return err
			}
			s.Forget(ids...)
			return nil
		},
		func(workspaceID string, shredded bool) {
			if !shredded {
				return
			}
			r.logger.Info("shred signal received", zap.String("workspace_id", workspaceID))
			s.Forget(workspaceID)
		},
	)
}
