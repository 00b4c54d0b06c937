package workflow

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrValidation 参数校验失败, 在任何副作用之前返回
	ErrValidation = errors.New("procurement request param invalid")
	// ErrNotFound 采购申请不存在
	ErrNotFound = errors.New("procurement request not found")
	// ErrPreconditionFailed 状态或归属不满足操作要求, 不会自动重试
	ErrPreconditionFailed = errors.New("procurement request precondition failed")
	// ErrConflict 条件更新失败, 说明记录在读取之后被其他调用修改了, 由调用方决定是否重试
	ErrConflict = errors.New("procurement request update conflict")
	// ErrMandatorySideEffect 必须成功的副作用失败(文档存储,主通知), 状态不推进
	ErrMandatorySideEffect = errors.New("mandatory side effect failed")
	// ErrAdvisorySideEffect 建议性副作用失败(日历提醒), 只记录日志, 不影响结果
	ErrAdvisorySideEffect = errors.New("advisory side effect failed")
)

// State 采购申请状态
type State = string

const (
	StateWaitingProviderResponse State = "waiting_provider_response"
	// 无库存, 终止状态
	StateNoStock           State = "no_stock"
	StateWaitingProforma   State = "waiting_proforma"
	StateProformaReceived  State = "proforma_received"
	StateWaitingSignedForm State = "waiting_signed_proforma"
	StatePendingContract   State = "pending_contract"
	// 完成, 终止状态
	StateCompleted State = "completed"
	// 取消, 终止状态, 手动取消或者过期扫描取消
	StateCancelled State = "cancelled"
)

// terminalStates 终止状态, 不允许任何流转
var terminalStates = []State{StateCompleted, StateCancelled, StateNoStock}

// stateEdges 状态流转的有向图, 取消不在这里, 任何非终止状态都可以取消
var stateEdges = map[State][]State{
	StateWaitingProviderResponse: {StateNoStock, StateWaitingProforma},
	StateWaitingProforma:         {StateWaitingProforma, StateProformaReceived},
	StateProformaReceived:        {StateWaitingSignedForm},
	StateWaitingSignedForm:       {StatePendingContract},
	StatePendingContract:         {StateCompleted},
}

func IsTerminalState(state State) bool {
	for _, s := range terminalStates {
		if s == state {
			return true
		}
	}
	return false
}

// CanTransition 判断 from -> to 是否是合法的流转
func CanTransition(from, to State) bool {
	if IsTerminalState(from) {
		return false
	}
	if to == StateCancelled {
		return true
	}
	for _, next := range stateEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func GetStateText(state State) string {
	switch state {
	case StateWaitingProviderResponse:
		return "等待供应商回复"
	case StateNoStock:
		return "无库存"
	case StateWaitingProforma:
		return "等待报价单"
	case StateProformaReceived:
		return "已收到报价单"
	case StateWaitingSignedForm:
		return "等待签字报价单"
	case StatePendingContract:
		return "等待合同"
	case StateCompleted:
		return "完成"
	case StateCancelled:
		return "取消"
	}
	return "未知"
}

// PreconditionError 状态或者归属校验失败, 带上期望状态和实际状态
type PreconditionError struct {
	Operation string
	Expected  []State
	Actual    State
	Reason    string
}

func (e *PreconditionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s: %s", ErrPreconditionFailed.Error(), e.Operation, e.Reason)
	}
	return fmt.Sprintf("%s: %s expects state %s, actual %s",
		ErrPreconditionFailed.Error(), e.Operation, strings.Join(e.Expected, "|"), e.Actual)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

func newStatePreconditionError(operation string, actual State, expected ...State) error {
	return &PreconditionError{Operation: operation, Expected: expected, Actual: actual}
}

// MandatoryEffectError 必须成功的副作用失败, Cause 是下游的原始错误
type MandatoryEffectError struct {
	Operation string
	Effect    string
	Cause     error
}

func (e *MandatoryEffectError) Error() string {
	return fmt.Sprintf("%s: %s/%s: %v", ErrMandatorySideEffect.Error(), e.Operation, e.Effect, e.Cause)
}

func (e *MandatoryEffectError) Unwrap() error {
	return e.Cause
}

func (e *MandatoryEffectError) Is(target error) bool {
	return target == ErrMandatorySideEffect
}

// ErrorCode 给API层使用的稳定错误码, 每一种错误映射成不同的响应
type ErrorCode = string

const (
	ErrorCodeOK                  ErrorCode = ""
	ErrorCodeValidation          ErrorCode = "validation_failed"
	ErrorCodeNotFound            ErrorCode = "not_found"
	ErrorCodePreconditionFailed  ErrorCode = "precondition_failed"
	ErrorCodeConflict            ErrorCode = "conflict"
	ErrorCodeMandatorySideEffect ErrorCode = "mandatory_side_effect_failed"
	ErrorCodeAdvisorySideEffect  ErrorCode = "advisory_side_effect_failed"
	ErrorCodeInternal            ErrorCode = "internal"
)

func GetErrorCode(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorCodeOK
	// 副作用的下游原因可能带有其他错误, 先判断
	case errors.Is(err, ErrMandatorySideEffect):
		return ErrorCodeMandatorySideEffect
	case errors.Is(err, ErrValidation):
		return ErrorCodeValidation
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrPreconditionFailed):
		return ErrorCodePreconditionFailed
	case errors.Is(err, ErrConflict):
		return ErrorCodeConflict
	case errors.Is(err, ErrAdvisorySideEffect):
		return ErrorCodeAdvisorySideEffect
	}
	return ErrorCodeInternal
}

// IsSeriousError 用在后台任务(过期扫描,提醒发送)里面,
// 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 冲突,前置条件失败,建议性副作用失败都是正常的业务现象
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrAdvisorySideEffect) ||
		errors.Is(err, ErrLockNotAcquired) {
		return false
	}
	return true
}
