package workflow

import (
	"context"
	"log/slog"
)

type logObserver struct {
	logger *slog.Logger
}

// NewLogObserver 审计日志, logger 为空使用 slog.Default()
func NewLogObserver(logger *slog.Logger) TransitionObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &logObserver{logger: logger}
}

func (o *logObserver) OnTransition(ctx context.Context, event *TransitionEvent) {
	attrs := []any{
		slog.String("operation", event.Operation),
		slog.String("request_id", event.RequestID),
		slog.String("from", event.From),
		slog.String("to", event.To),
		slog.Time("at", event.At),
	}
	if event.Actor != nil {
		attrs = append(attrs, slog.Int64("actor_id", event.Actor.ID), slog.String("actor_email", event.Actor.Email))
	} else {
		attrs = append(attrs, slog.String("actor", "system"))
	}
	o.logger.InfoContext(ctx, "procurement request transition committed", attrs...)
}

// notifyObservers 提交成功之后调用, observer 的 panic 不影响结果
func notifyObservers(ctx context.Context, observers []TransitionObserver, event *TransitionEvent) {
	for _, observer := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "transition observer panic", slog.Any("panic", r), slog.String("operation", event.Operation))
				}
			}()
			observer.OnTransition(ctx, event)
		}()
	}
}
