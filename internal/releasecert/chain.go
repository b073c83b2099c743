package releasecert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/trustgate/internal/infra"
)

// Области видимости цепочки сертификатов.
const (
	ScopeProcess = "process"
	ScopeCluster = "cluster"
)

// ChainLink: звено цепочки сертификатов одного workspace.
type ChainLink struct {
	V    string `json:"v"`
	Seq  int64  `json:"seq"`
	Prev string `json:"prev"`
	Hash string `json:"hash"`
}

// ChainStore хранит голову цепочки по workspace.
// Это не источник истины: долговременная история живет в Audit Ledger,
// а голова восстанавливается с нуля (genesis) после рестарта.
type ChainStore interface {
	Head(ctx context.Context, workspaceID string) (*ChainLink, error)
	// CompareAndSwap записывает next, только если текущая голова все еще равна prev (nil = пусто).
	CompareAndSwap(ctx context.Context, workspaceID string, prev *ChainLink, next ChainLink) (bool, error)
	Scope() string
}

// MemoryChain: голова цепочки в памяти процесса.
type MemoryChain struct {
	mu    sync.Mutex
	heads map[string]ChainLink
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{heads: make(map[string]ChainLink)}
}

func (m *MemoryChain) Head(_ context.Context, workspaceID string) (*ChainLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.heads[workspaceID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (m *MemoryChain) CompareAndSwap(_ context.Context, workspaceID string, prev *ChainLink, next ChainLink) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.heads[workspaceID]
	if !sameHead(cur, ok, prev) {
		return false, nil
	}
	m.heads[workspaceID] = next
	return true, nil
}

func (m *MemoryChain) Scope() string { return ScopeProcess }

// RedisChain разделяет голову цепочки между инстансами через WATCH/MULTI.
type RedisChain struct {
	rdb *redis.Client
}

func NewRedisChain(rdb *redis.Client) *RedisChain {
	return &RedisChain{rdb: rdb}
}

func (r *RedisChain) Head(ctx context.Context, workspaceID string) (*ChainLink, error) {
	raw, err := r.rdb.Get(ctx, infra.CertChainKey(workspaceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("releasecert: read chain head: %w", err)
	}
	var link ChainLink
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("releasecert: decode chain head: %w", err)
	}
	return &link, nil
}

func (r *RedisChain) CompareAndSwap(ctx context.Context, workspaceID string, prev *ChainLink, next ChainLink) (bool, error) {
	key := infra.CertChainKey(workspaceID)
	payload, err := json.Marshal(next)
	if err != nil {
		return false, err
	}

	swapped := false
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		// 1. Читаем голову под WATCH
		var cur ChainLink
		raw, err := tx.Get(ctx, key).Bytes()
		exists := true
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return err
			}
		}
		if !sameHead(cur, exists, prev) {
			return nil
		}

		// 2. Пишем в MULTI: если ключ изменился, EXEC вернет TxFailedErr
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("releasecert: swap chain head: %w", err)
	}
	return swapped, nil
}

func (r *RedisChain) Scope() string { return ScopeCluster }

func sameHead(cur ChainLink, exists bool, prev *ChainLink) bool {
	if prev == nil {
		return !exists
	}
	return exists && cur.Seq == prev.Seq && cur.Hash == prev.Hash
}
