package domain

import "errors"

var (
	// ErrValidation: некорректный intent, отклоняется до проверки гардианами
	ErrValidation = errors.New("validation error")

	// ErrGuardianDenied: локальный отказ гардиана (ожидаемый, исправимый пользователем)
	ErrGuardianDenied = errors.New("guardian denied")

	// ErrRemotePolicyDenied: авторитетный отказ кастодиальной платформы
	ErrRemotePolicyDenied = errors.New("remote policy denied")

	// ErrTransport: сеть/подпись при общении с внешним подписантом
	ErrTransport = errors.New("signer transport failure")

	// ErrTimeout: подписант не прислал терминальное событие вовремя
	ErrTimeout = errors.New("signer timeout")

	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("version conflict")
	ErrUnknownPreset   = errors.New("unknown preset")
	ErrUnknownGuardian = errors.New("unknown guardian")
)
