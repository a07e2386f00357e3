// Package guardians хранит конфиг и счётчики гардианов по (org, account)
// и выполняет над ними атомарные операции.
package guardians

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

// Key — владелец конфига и счётчиков.
type Key struct {
	Org     string
	Account string
}

// Anonymous — запрос без авторизации: используются in-memory значения по умолчанию.
func (k Key) Anonymous() bool { return k.Org == "" }

func (k Key) String() string {
	if k.Anonymous() {
		return "anonymous"
	}
	return k.Org + "/" + k.Account
}

// ParseKey — обратное к String (формат "<org>/<account>").
func ParseKey(s string) (Key, error) {
	if s == "anonymous" {
		return Key{}, nil
	}
	org, account, ok := strings.Cut(s, "/")
	if !ok || org == "" {
		return Key{}, fmt.Errorf("%w: bad account key %q", domain.ErrValidation, s)
	}
	return Key{Org: org, Account: account}, nil
}

// Record — то, что хранится по ключу. Version растёт на 1 при каждой записи.
type Record struct {
	Config  domain.GuardiansConfig `json:"config"`
	State   domain.GuardiansState  `json:"state"`
	Version int64                  `json:"version"`
}

func (r Record) Clone() Record {
	return Record{Config: r.Config.Clone(), State: r.State.Clone(), Version: r.Version}
}

// Store — хранилище с оптимистической блокировкой.
// Отсутствующая запись имеет версию 0.
type Store interface {
	// Get возвращает запись и признак её наличия.
	Get(ctx context.Context, key Key) (Record, bool, error)
	// CompareAndSwap записывает next с версией expected+1, если текущая версия равна expected.
	// Иначе возвращает domain.ErrConflict.
	CompareAndSwap(ctx context.Context, key Key, expected int64, next Record) error
}
