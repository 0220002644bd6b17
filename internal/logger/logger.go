// Package logger implements a non-blocking, batched dispatch logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the dispatch
// hot path. If the channel fills up (> 10 000 entries), new entries are
// dropped and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DispatchLog is one structured line per resolved dispatch.
type DispatchLog struct {
	RequestID        uuid.UUID
	Provider         string
	Model            string
	ResponseTimeMs   int64
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Success          bool
	Error            string
	FallbackDepth    int
	CreatedAt        time.Time
}

type Logger struct {
	ch        chan DispatchLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan DispatchLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry DispatchLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]DispatchLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []slog.Attr{
				slog.String("request_id", e.RequestID.String()),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.Int64("response_time_ms", e.ResponseTimeMs),
				slog.Int("prompt_tokens", e.PromptTokens),
				slog.Int("completion_tokens", e.CompletionTokens),
				slog.Float64("cost_usd", e.CostUSD),
				slog.Bool("success", e.Success),
				slog.Int("fallback_depth", e.FallbackDepth),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if e.Error != "" {
				attrs = append(attrs, slog.String("error", e.Error))
			}
			l.log.LogAttrs(ctx, slog.LevelInfo, "dispatch", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
