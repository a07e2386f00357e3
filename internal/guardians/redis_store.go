package guardians

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/infra"
)

// RedisStore хранит запись JSON-строкой и делает CAS через WATCH/MULTI.
// После каждой успешной записи публикует ключ в канал инвалидации,
// чтобы другие инстансы сбросили свой L1 кэш.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger.Named("guardians-redis")}
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Record, bool, error) {
	data, err := s.rdb.Get(ctx, infra.GuardiansKey(key.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode guardians record %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key Key, expected int64, next Record) error {
	k := infra.GuardiansKey(key.String())

	next.Version = expected + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode guardians record: %w", err)
	}

	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		// 1. Читаем текущую версию под WATCH
		var version int64
		cur, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var rec Record
			if err := json.Unmarshal(cur, &rec); err != nil {
				return fmt.Errorf("decode guardians record %s: %w", key, err)
			}
			version = rec.Version
		}
		if version != expected {
			return domain.ErrConflict
		}

		// 2. MULTI: запись + сигнал инвалидации. Если ключ изменили после WATCH, EXEC не пройдёт
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, 0)
			pipe.Publish(ctx, infra.RedisChanGuardiansUpdate, key.String())
			return nil
		})
		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) || errors.Is(err, domain.ErrConflict) {
		s.logger.Debug("guardians cas conflict", zap.String("key", key.String()), zap.Int64("expected", expected))
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("redis cas %s: %w", key, err)
	}
	return nil
}

// RedisHaltNotifier транслирует остановку/возобновление торговли в RedisChanHalt
// и держит множество остановленных аккаунтов для синхронизации при переподключении.
type RedisHaltNotifier struct {
	rdb *redis.Client
}

func NewRedisHaltNotifier(rdb *redis.Client) *RedisHaltNotifier {
	return &RedisHaltNotifier{rdb: rdb}
}

func (n *RedisHaltNotifier) NotifyHalt(ctx context.Context, key Key, halted bool) error {
	_, err := n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if halted {
			pipe.SAdd(ctx, infra.RedisKeyHaltedSet, key.String())
		} else {
			pipe.SRem(ctx, infra.RedisKeyHaltedSet, key.String())
		}
		pipe.Publish(ctx, infra.RedisChanHalt, HaltSignal(key, halted))
		return nil
	})
	return err
}

// HaltedKeys — текущее множество остановленных аккаунтов.
func (n *RedisHaltNotifier) HaltedKeys(ctx context.Context) ([]Key, error) {
	members, err := n.rdb.SMembers(ctx, infra.RedisKeyHaltedSet).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// HaltSignal — payload сигнала: "<org>/<account>:on|off".
func HaltSignal(key Key, halted bool) string {
	status := "off"
	if halted {
		status = "on"
	}
	return key.String() + ":" + status
}

// ParseHaltSignal — обратное к HaltSignal.
func ParseHaltSignal(payload string) (Key, bool, error) {
	i := strings.LastIndex(payload, ":")
	if i < 0 {
		return Key{}, false, fmt.Errorf("%w: bad halt signal %q", domain.ErrValidation, payload)
	}
	var halted bool
	switch payload[i+1:] {
	case "on", "true":
		halted = true
	case "off", "false":
	default:
		return Key{}, false, fmt.Errorf("%w: bad halt status in %q", domain.ErrValidation, payload)
	}
	key, err := ParseKey(payload[:i])
	return key, halted, err
}
