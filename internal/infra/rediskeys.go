package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "guardian"
)

// Ключи состояния
const (
	// RedisKeyGuardiansPrefix + "<org>/<account>" -> JSON {config, state, version}
	RedisKeyGuardiansPrefix = RedisNamespace + ":guardians:"
	// RedisKeyHaltedSet: множество "<org>/<account>" с остановленной торговлей
	RedisKeyHaltedSet = RedisNamespace + ":guardians:halted_set"
	// RedisKeyLockHaltWarmup: блокировка прогрева множества остановок
	RedisKeyLockHaltWarmup = RedisNamespace + ":lock:halt-warmup"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanGuardiansUpdate: инвалидация L1 кэша: payload = "<org>/<account>"
	RedisChanGuardiansUpdate = RedisNamespace + ":guardians:update-signal"
	// RedisChanHalt: трансляция остановки торговли: payload = "<org>/<account>:on|off"
	RedisChanHalt = RedisNamespace + ":guardians:halt-signal"
)

// GuardiansKey — ключ записи гардианов аккаунта.
func GuardiansKey(account string) string {
	return RedisKeyGuardiansPrefix + account
}
