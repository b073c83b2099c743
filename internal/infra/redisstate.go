package infra

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListenStateResilient: универсальный цикл для "живучей" подписки на сигналы Redis.
// Формат сообщения "<id>:<status>"; id может сам содержать двоеточия.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // синхронизация состояния при каждом (пере)подключении
	onMessage func(id string, status bool),
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		// Сигналы, пропущенные во время разрыва, догоняем через состояние
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}

				idx := strings.LastIndex(msg.Payload, ":")
				if idx <= 0 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				status := msg.Payload[idx+1:]
				onMessage(msg.Payload[:idx], status == "true" || status == "on")
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// WarmupState прогревает L1 (RAM) и, если Redis пуст, заливает в него состояние из БД.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string),
) error {
	// 1. Локальный кэш
	updateL1(ids)

	// 2. Только один инстанс заливает Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil
	}

	// 3. Проверка наполненности Redis
	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}

	// 4. Redis пуст, а в БД есть данные
	if count == 0 && len(ids) > 0 {
		logger.Info("redis state is empty, performing warm-up from DB",
			zap.String("key", redisKey), zap.Int("count", len(ids)))

		pipe := rdb.Pipeline()
		for _, id := range ids {
			pipe.SAdd(ctx, redisKey, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
