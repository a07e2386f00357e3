// Package clock даёт инъектируемое время: кулдауны, торговые окна и таймауты
// подписанта зависят от wall-clock, а тесты должны уметь "перематывать" его.
package clock

import "time"

// Clock — источник времени и таймеров.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real использует системное время.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrReal возвращает c, либо системные часы, если c не задан.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
