package message

import (
	"errors"
	"fmt"
)

// ErrorCode 系统预定义错误类型
type ErrorCode string

const (
	SDEVersion  ErrorCode = "SDE_Version"  // 版本错误
	SDEToken    ErrorCode = "SDE_Token"    // 令牌无效
	SDEAddress  ErrorCode = "SDE_Address"  // 地址错误
	SDEMsgType  ErrorCode = "SDE_MsgType"  // 报文类型错误
	SDEOperName ErrorCode = "SDE_OperName" // 操作名称错误
	SDEUserName ErrorCode = "SDE_UserName" // 用户名错误
	SDEPwd      ErrorCode = "SDE_Pwd"      // 密码错误
	SDENotAllow ErrorCode = "SDE_NotAllow" // 操作不允许
	SDEFailure  ErrorCode = "SDE_Failure"  // 操作失败
	SDEUnknown  ErrorCode = "SDE_Unknown"  // 未知错误
)

// 业务层二级错误码, 客户端请求结果通过 client.ResultCode 映射到该码空间
const (
	CodeSuccess      = "0000"
	CodeInvalidParam = "1001"
	CodeTimeout      = "1005"
	CodeSystemError  = "9999"
)

// Error 协议错误, 转换为 ERROR 报文中的 SDO_Error
type Error struct {
	Object string
	Code   ErrorCode
	Desc   string
	cause  error
}

func NewError(code ErrorCode, object string, format string, v ...interface{}) *Error {
	return &Error{Object: object, Code: code, Desc: fmt.Sprintf(format, v...)}
}

// Wrap 保留原始错误以便 errors.Is 判断
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Desc)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Code, e.Object, e.Desc)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// SDO 转换为报文中携带的 SDO_Error 对象
func (e *Error) SDO() SDOError {
	return SDOError{ErrObj: e.Object, ErrType: e.Code, ErrDesc: e.Desc}
}

// AsError 未识别的错误统一视为操作失败
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var protoErr *Error
	if errors.As(err, &protoErr) {
		return protoErr
	}
	return NewError(SDEFailure, "", "%v", err).Wrap(err)
}
