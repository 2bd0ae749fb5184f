package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass 错误分类
// 分类决定恢复策略：Transient 退避重试；Ambiguous 先查证再动作；
// Rejected 不原价重试；Config 立即失败不重试；InsufficientData 本轮跳过
type ErrorClass string

const (
	ClassTransient        ErrorClass = "transient"
	ClassAmbiguous        ErrorClass = "ambiguous"
	ClassRejected         ErrorClass = "rejected"
	ClassConfig           ErrorClass = "config"
	ClassInsufficientData ErrorClass = "insufficient_data"
)

// Error 带分类的交易所错误
type Error struct {
	Class    ErrorClass
	Exchange string
	Op       string
	Code     string // 交易所侧错误码（若有）
	Err      error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s [%s/%s]: %v", e.Exchange, e.Op, e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s [%s]: %v", e.Exchange, e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 构造分类错误
func NewError(class ErrorClass, exchangeName, op string, err error) *Error {
	return &Error{Class: class, Exchange: exchangeName, Op: op, Err: err}
}

// ClassOf 提取错误分类；非本包错误按网络特征归类
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Class
	}
	// 请求已发出但响应丢失：超时 / 连接中断都无法断言远端结果
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassAmbiguous
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ClassAmbiguous
		}
		return ClassTransient
	}
	return ClassTransient
}

func IsTransient(err error) bool        { return ClassOf(err) == ClassTransient }
func IsAmbiguous(err error) bool        { return ClassOf(err) == ClassAmbiguous }
func IsRejected(err error) bool         { return ClassOf(err) == ClassRejected }
func IsConfig(err error) bool           { return ClassOf(err) == ClassConfig }
func IsInsufficientData(err error) bool { return ClassOf(err) == ClassInsufficientData }

// Outcome 变更类调用的三态结果
// 网络歧义不允许折叠成布尔：Unknown 必须先查证再继续
type Outcome int

const (
	OutcomeConfirmed Outcome = iota // 远端已确认
	OutcomeFailed                   // 远端确认失败
	OutcomeUnknown                  // 请求已发出但结果未知
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnknown:
		return "unknown"
	}
	return "invalid"
}

// OutcomeOf 由错误推导变更调用的三态结果
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeConfirmed
	}
	if IsAmbiguous(err) {
		return OutcomeUnknown
	}
	return OutcomeFailed
}

// ErrOrderNotFound 查单/撤单时订单不存在
// 撤单遇到该错误意味着订单可能已成交，持仓需要完整重估
var ErrOrderNotFound = errors.New("order not found")
