package service

import (
	"errors"

	"havenledger/internal/repository"
)

// 业务错误。和仓储层共用同一个值的错误，两层都可以直接用 errors.Is 判断。
var (
	ErrInsufficientFunds   = repository.ErrBalanceNotEnough
	ErrAlreadyUnlocked     = repository.ErrAlreadyUnlocked
	ErrNotEligible         = repository.ErrRefundNotEligible
	ErrAccountNotFound     = repository.ErrAccountNotFound
	ErrSongNotFound        = repository.ErrSongNotFound
	ErrSongStatusInvalid   = repository.ErrSongStatusInvalid
	ErrInvalidAmount       = repository.ErrInvalidAmount
	ErrTopUpNotPending     = repository.ErrTopUpNotPending
	ErrDuplicateReference  = repository.ErrDuplicateReference
	ErrTransactionNotFound = repository.ErrTransactionNotFound

	ErrFreeSlotUsed     = errors.New("本周免费名额已用完")
	ErrSongNotAvailable = errors.New("歌曲未上架")
	ErrStoreUnavailable = errors.New("存储暂时不可用，请稍后重试")
	ErrBusy             = errors.New("操作过于频繁，请稍后重试")
	ErrUnauthenticated  = errors.New("缺少账户身份")
	ErrForbidden        = errors.New("无权执行该操作")
	ErrInvalidRole      = errors.New("账户角色不合法")
	ErrInvalidPrice     = errors.New("歌曲价格超出允许范围")
	ErrInvalidBundle    = errors.New("不支持的充值档位")
	ErrInvalidReference = errors.New("交易参考号格式不正确")
)

// domainErrors 明确的业务结果，重试不会改变结论
var domainErrors = []error{
	ErrInsufficientFunds,
	ErrAlreadyUnlocked,
	ErrNotEligible,
	ErrAccountNotFound,
	ErrSongNotFound,
	ErrSongStatusInvalid,
	ErrInvalidAmount,
	ErrTopUpNotPending,
	ErrDuplicateReference,
	ErrTransactionNotFound,
	ErrFreeSlotUsed,
	ErrSongNotAvailable,
	ErrForbidden,
	ErrInvalidPrice,
	ErrInvalidBundle,
	ErrInvalidReference,
	repository.ErrAccountConflict,
	repository.ErrNegativeFreeSlots,
}

// IsDomainError 判断是否为业务错误（不可重试）
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
