// Package audit реализует append-only журнал с хеш-цепочкой по workspace,
// его проверку, ledger proof и асинхронную отгрузку копий во внешнее хранилище.
package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	appendAttempts = 3
	maxRetryJitter = 50 * time.Millisecond
)

// ErrChainContention: событие НЕ записано: все попытки проиграли гонку за голову цепочки.
var ErrChainContention = fmt.Errorf("Failed to log audit event after %d attempts due to chain contention.", appendAttempts)

// Enqueuer принимает запись для отгрузки, не блокируя вызывающего.
type Enqueuer interface {
	Enqueue(rec ShipRecord)
}

type Ledger struct {
	store   Store
	shipper Enqueuer
	shipKey ed25519.PrivateKey
	onRetry func()
	now     func() time.Time
	logger  *zap.Logger
}

type Option func(*Ledger)

// WithShipper включает отгрузку; при наличии ключа запись подписывается Ed25519.
func WithShipper(s Enqueuer, key ed25519.PrivateKey) Option {
	return func(l *Ledger) {
		l.shipper = s
		l.shipKey = key
	}
}

// WithRetryHook вызывается на каждый повтор из-за конфликта (для метрик).
func WithRetryHook(fn func()) Option {
	return func(l *Ledger) { l.onRetry = fn }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		now:     time.Now,
		onRetry: func() {},
		logger:  logger.Named("audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append добавляет событие в цепочку workspace.
// Гонка за prevHash решается повтором с джиттером, а не блокировкой.
func (l *Ledger) Append(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (*Event, error) {
	var stored Event
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(appendAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConflict) }),
		retry.OnRetry(func(n uint, err error) { l.onRetry() }),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return time.Duration(rand.Int64N(int64(maxRetryJitter)))
		}),
	)
	err := r.Do(func() error {
		e, err := l.build(ctx, workspaceID, actorID, eventType, payload)
		if err != nil {
			return err
		}
		if err := l.store.Insert(ctx, e); err != nil {
			return err
		}
		stored = e
		return nil
	})
	if errors.Is(err, ErrConflict) {
		l.logger.Error("audit chain contention", zap.String("workspace_id", workspaceID))
		return nil, ErrChainContention
	}
	if err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}

	l.ship(stored)
	return &stored, nil
}

func (l *Ledger) build(ctx context.Context, workspaceID, actorID, eventType string, payload map[string]any) (Event, error) {
	// 1. Голова цепочки
	last, err := l.store.Last(ctx, workspaceID)
	if err != nil {
		return Event{}, fmt.Errorf("read last event: %w", err)
	}
	prevHash := GenesisHash
	if last != nil {
		prevHash = last.Hash
	}

	// 2. Поля, участвующие в хеше
	envelope := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		envelope[k] = v
	}
	action := eventType
	if a, ok := payload["action"].(string); ok && a != "" {
		action = a
	}
	resourceID, _ := payload["resourceId"].(string)
	details := payload["details"]
	createdAt := l.now().UTC().Truncate(time.Millisecond)

	hash, err := ComputeHash(prevHash, createdAt, actorID, action, details)
	if err != nil {
		return Event{}, fmt.Errorf("hash event: %w", err)
	}

	// 3. Хранимая копия payload редактируется, details остается исходным
	envelope["auditHashMode"] = HashMode
	return Event{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		EventType:   eventType,
		Action:      action,
		ResourceID:  resourceID,
		Payload:     RedactMap(envelope),
		Details:     details,
		PrevHash:    prevHash,
		Hash:        hash,
		CreatedAt:   createdAt,
	}, nil
}

// Events возвращает цепочку workspace в форме для выдачи наружу.
func (l *Ledger) Events(ctx context.Context, workspaceID string) ([]Event, error) {
	events, err := l.store.List(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Export()
	}
	return out, nil
}

func (l *Ledger) ship(e Event) {
	if l.shipper == nil {
		return
	}
	sig := e.Hash
	if l.shipKey != nil {
		sig = base64.StdEncoding.EncodeToString(ed25519.Sign(l.shipKey, []byte(e.Hash)))
	}
	l.shipper.Enqueue(ShipRecord{
		ID:          e.ID,
		WorkspaceID: e.WorkspaceID,
		Hash:        e.Hash,
		PrevHash:    e.PrevHash,
		Signature:   sig,
		Timestamp:   Timestamp(e.CreatedAt),
		Action:      e.EventType,
		Actor:       e.ActorID,
	})
}
