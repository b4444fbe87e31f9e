package service

import (
	"time"

	"havenledger/internal/model"
)

// Session 调用方身份，由认证方提供，服务内部不再校验
type Session struct {
	AccountID string
	Role      string
}

func (s Session) Validate() error {
	if s.AccountID == "" {
		return ErrUnauthenticated
	}
	if s.Role != "" && !model.IsValidRole(s.Role) {
		return ErrInvalidRole
	}
	return nil
}

func (s Session) IsAdmin() bool {
	return s.Role == model.RoleAdmin
}

func (s Session) requireAdmin() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// Clock 返回当前时间，测试中替换为可控时钟
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
