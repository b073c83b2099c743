package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "trustgate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyShreddedWorkspaces = RedisNamespace + ":shred:workspaces_set"
	RedisKeyLockShredded       = RedisNamespace + ":lock:warmup:shredded"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanShredSignal: широковещательный сигнал об уничтожении ключа workspace.
	RedisChanShredSignal = RedisNamespace + ":shred:signal"
)

// CertChainKey: голова цепочки сертификатов workspace (scope=cluster).
func CertChainKey(workspaceID string) string {
	return fmt.Sprintf("%s:cert:chain:%s", RedisNamespace, workspaceID)
}

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}
