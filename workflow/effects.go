package workflow

import (
	"context"
	"fmt"
	"log/slog"
)

// EffectKind 副作用分类
type EffectKind int

const (
	// Mandatory 失败则终止流转, 状态不推进
	Mandatory EffectKind = iota
	// Advisory 失败只记录日志
	Advisory
)

func (k EffectKind) String() string {
	if k == Advisory {
		return "advisory"
	}
	return "mandatory"
}

type effect struct {
	name string
	kind EffectKind
	run  func(ctx context.Context) error
}

func mandatory(name string, run func(ctx context.Context) error) effect {
	return effect{name: name, kind: Mandatory, run: run}
}

func advisory(name string, run func(ctx context.Context) error) effect {
	return effect{name: name, kind: Advisory, run: run}
}

// runEffects 按顺序执行副作用, 第一个必须成功的副作用失败就返回, 后面的不再执行
func (s *ProcurementServiceImpl) runEffects(ctx context.Context, operation string, requestID string, effects ...effect) error {
	for _, e := range effects {
		err := e.run(ctx)
		if err == nil {
			continue
		}
		if e.kind == Mandatory {
			slog.ErrorContext(ctx, fmt.Sprintf("[error]mandatory effect failed, operation: %s, requestID: %s, effect: %s, err: %v",
				operation, requestID, e.name, err))
			return &MandatoryEffectError{Operation: operation, Effect: e.name, Cause: err}
		}
		slog.WarnContext(ctx, fmt.Sprintf("[warn]advisory effect failed, operation: %s, requestID: %s, effect: %s, err: %v",
			operation, requestID, e.name, err))
		s.metrics.advisoryFailed(operation, e.name)
	}
	return nil
}
