package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/infra"
)

// WarmupHalts прогревает L1 (HaltBoard) и L2 (множество остановок в Redis) из БД.
func (b *HaltBoard) WarmupHalts(ctx context.Context, rdb *redis.Client, db HaltSource) error {
	keys, err := db.HaltedKeys(ctx)
	if err != nil {
		return err
	}

	// 1. Обновляем локальный кэш (L1)
	for _, k := range keys {
		b.Set(k, true)
	}
	if rdb == nil {
		return nil
	}

	// 2. Распределенная блокировка (SetNX), чтобы только один инстанс обновлял Redis
	ok, err := rdb.SetNX(ctx, infra.RedisKeyLockHaltWarmup, "processing", 30*time.Second).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	// 3. Проверка наполненности Redis
	count, err := rdb.SCard(ctx, infra.RedisKeyHaltedSet).Result()
	if err != nil {
		count = 0
		b.logger.Warn("could not check halted set size, proceeding with warm-up", zap.Error(err))
	}

	// 4. Если Redis пуст, а в БД остановки есть, заливаем
	if count == 0 && len(keys) > 0 {
		b.logger.Info("halted set is empty, performing warm-up from DB", zap.Int("count", len(keys)))

		pipe := rdb.Pipeline()
		for _, k := range keys {
			pipe.SAdd(ctx, infra.RedisKeyHaltedSet, k.String())
		}
		_, err = pipe.Exec(ctx)
		return err
	}
	return nil
}
