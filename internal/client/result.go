package client

import (
	"context"
	"errors"

	"github.com/life-stream-dev/life-stream-go-gat1049/internal/message"
)

// ResultCode 将请求结果映射为业务层二级错误码
func ResultCode(err error) string {
	if err == nil {
		return message.CodeSuccess
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return message.CodeTimeout
	}
	var protoErr *message.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case message.SDEVersion, message.SDEToken, message.SDEAddress, message.SDEMsgType,
			message.SDEOperName, message.SDEUserName, message.SDEPwd:
			return message.CodeInvalidParam
		}
	}
	return message.CodeSystemError
}
