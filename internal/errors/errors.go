// Package errors 定义带错误码的统一错误类型。错误码的默认属性见 codes.go。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Error 携带错误码、面向开发者的信息与可选的元数据。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 在构造时修改 Error。
type Option func(*Error)

// WithMetadata 附加一条键值信息，例如 file、status。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// New 创建错误，message 为空时使用错误码的默认信息。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 与 New 相同，但保留 cause 供 errors.Is/As 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，因此 errors.Is(err, New(CodeNotFound, "")) 可以匹配任意 NOT_FOUND。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回副本，调用方可以随意修改。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attrs() Attributes { return AttributesOf(e.Code()) }

func (e *Error) Family() Family {
	if f := e.attrs().Family; f != "" {
		return f
	}
	return FamilyInternal
}

// Hint 是给用户看的提示，错误码没有提示时退化为 Message。
func (e *Error) Hint() string {
	if hint := e.attrs().Hint; hint != "" {
		return hint
	}
	return e.Message()
}

func (e *Error) Retryable() bool { return e != nil && e.attrs().Retryable }

func (e *Error) Severity() Severity { return e.attrs().Severity }

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// Ensure 把任意错误归一为 *Error，未识别的错误以 fallback 包裹。
func Ensure(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	if e, ok := From(err); ok {
		return e
	}
	return Wrap(fallback, err, "")
}

// CodeOf 返回错误链中的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}
