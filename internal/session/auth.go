package session

import (
	"crypto/subtle"
	"errors"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrBadPassword = errors.New("wrong password")
)

// Authenticator 校验用户凭据, 由业务层提供
type Authenticator interface {
	Authenticate(userName, password string) error
}

// StaticAuthenticator 基于配置文件中用户列表的凭据校验
type StaticAuthenticator map[string]string

func (a StaticAuthenticator) Authenticate(userName, password string) error {
	expected, ok := a[userName]
	if !ok || userName == "" {
		return ErrUnknownUser
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(password)) != 1 {
		return ErrBadPassword
	}
	return nil
}
