package audit

import (
	"context"
)

// Reader — сторона чтения постоянного хранилища.
type Reader interface {
	Query(ctx context.Context, f Filter) (Page, error)
	Stats(ctx context.Context, f Filter) (Stats, error)
}

// PersistentLog пишет через BatchWriter, читает из хранилища.
// Запись видна в Query после ближайшего flush.
type PersistentLog struct {
	writer *BatchWriter
	reader Reader
}

func NewPersistentLog(writer *BatchWriter, reader Reader) *PersistentLog {
	return &PersistentLog{writer: writer, reader: reader}
}

func (l *PersistentLog) Record(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if !l.writer.Enqueue(rec.Clone()) {
		return ErrDropped
	}
	return nil
}

func (l *PersistentLog) Query(ctx context.Context, f Filter) (Page, error) {
	return l.reader.Query(ctx, f.Normalize())
}

func (l *PersistentLog) Stats(ctx context.Context, f Filter) (Stats, error) {
	return l.reader.Stats(ctx, f)
}
