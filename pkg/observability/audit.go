package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// auditFileName is the append-only audit file under <project>/logs/.
const auditFileName = "audit.log"

// auditTee is a slog.Handler that forwards every record to an inner
// handler and appends it as a JSON line to the audit file. The audit
// side records at debug level and up regardless of the inner handler's
// own threshold.
type auditTee struct {
	inner slog.Handler
	file  slog.Handler
}

// NewAuditTee opens (or creates) <projectDir>/logs/audit.log in append
// mode and returns a handler teeing records to both inner and the
// file, plus the closer for the underlying file. The audit log is the
// pipeline's only filesystem side effect outside the graph store.
func NewAuditTee(inner slog.Handler, projectDir string) (slog.Handler, io.Closer, error) {
	dir := filepath.Join(projectDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create audit log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, auditFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	return &auditTee{
		inner: inner,
		file:  slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}, f, nil
}

func (t *auditTee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.inner.Enabled(ctx, level) || t.file.Enabled(ctx, level)
}

func (t *auditTee) Handle(ctx context.Context, record slog.Record) error {
	var innerErr error
	if t.inner.Enabled(ctx, record.Level) {
		innerErr = t.inner.Handle(ctx, record.Clone())
	}

	fileErr := t.file.Handle(ctx, record)

	return errors.Join(innerErr, fileErr)
}

func (t *auditTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &auditTee{inner: t.inner.WithAttrs(attrs), file: t.file.WithAttrs(attrs)}
}

func (t *auditTee) WithGroup(name string) slog.Handler {
	return &auditTee{inner: t.inner.WithGroup(name), file: t.file.WithGroup(name)}
}
