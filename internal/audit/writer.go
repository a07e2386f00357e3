package audit

/*
BatchWriter — асинхронная запись журнала аудита в постоянное хранилище.

- Record не блокирует горячий путь: событие уходит в буферизованный канал.
- Пакетная запись по таймеру или при достижении размера пачки.
- Drain при остановке: канал закрывается, воркер вычитывает остаток и делает финальный flush.
- Load shedding: при переполнении буфера событие отбрасывается с ошибкой в лог.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// BatchStorage — куда физически сохраняются записи.
type BatchStorage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

type BatchWriterConfig struct {
	BufferSize    int           // по умолчанию 10000
	BatchSize     int           // по умолчанию 100
	FlushInterval time.Duration // по умолчанию 500ms
	// OnDrop вызывается для каждой отброшенной записи (метрики)
	OnDrop func(rec Record)
}

type BatchWriter struct {
	ch     chan Record
	repo   BatchStorage
	cfg    BatchWriterConfig
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu защищает отправку в канал от одновременного close
	mu       sync.RWMutex
	isClosed atomic.Bool
}

func NewBatchWriter(repo BatchStorage, cfg BatchWriterConfig, logger *zap.Logger) *BatchWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWriter{
		ch:     make(chan Record, cfg.BufferSize),
		repo:   repo,
		cfg:    cfg,
		logger: logger.With(zap.String("mod", "audit-writer")),
	}
}

func (w *BatchWriter) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop запирает вход и ждёт, пока воркер всё допишет. Повторный вызов безопасен.
func (w *BatchWriter) Stop() {
	w.mu.Lock()
	if w.isClosed.Swap(true) {
		w.mu.Unlock()
		return
	}
	w.logger.Info("stopping audit writer: closing channel and flushing buffer...")
	close(w.ch)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("audit writer stopped gracefully")
}

// Enqueue ставит запись в очередь. false, запись отброшена.
func (w *BatchWriter) Enqueue(rec Record) bool {
	if w.isClosed.Load() {
		w.logger.Warn("audit record dropped: writer is stopping", zap.String("id", rec.ID))
		w.drop(rec)
		return false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.isClosed.Load() {
		w.drop(rec)
		return false
	}

	select {
	case w.ch <- rec:
		return true
	default:
		w.logger.Error("audit_buffer_overflow",
			zap.String("id", rec.ID),
			zap.String("account", rec.Account),
			zap.String("trace_id", rec.TraceID),
		)
		w.drop(rec)
		return false
	}
}

func (w *BatchWriter) drop(rec Record) {
	if w.cfg.OnDrop != nil {
		w.cfg.OnDrop(rec)
	}
}

// Len — заполненность буфера.
func (w *BatchWriter) Len() int { return len(w.ch) }

func (w *BatchWriter) Cap() int { return cap(w.ch) }

func (w *BatchWriter) worker() {
	defer w.wg.Done()

	batch := make([]Record, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: контекст вызова к этому моменту может быть закрыт
		if err := w.repo.WriteBatch(context.Background(), batch); err != nil {
			w.logger.Error("audit flush failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]Record, 0, w.cfg.BatchSize)
	}

	for {
		select {
		case rec, ok := <-w.ch:
			if !ok {
				flush()
				w.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
