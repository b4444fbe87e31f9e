package handler

import (
	"context"
	"errors"
	"log"

	"havenledger/internal/service"
	"havenledger/pkg/response"

	"github.com/gin-gonic/gin"
)

var errorCodes = []struct {
	err  error
	code int
}{
	{service.ErrInsufficientFunds, response.CodeInsufficientFunds},
	{service.ErrAlreadyUnlocked, response.CodeAlreadyUnlocked},
	{service.ErrNotEligible, response.CodeUndoNotEligible},
	{service.ErrFreeSlotUsed, response.CodeFreeSlotUsed},
	{service.ErrAccountNotFound, response.CodeAccountNotFound},
	{service.ErrSongNotFound, response.CodeSongNotFound},
	{service.ErrSongNotAvailable, response.CodeSongNotAvailable},
	{service.ErrSongStatusInvalid, response.CodeSongStatusInvalid},
	{service.ErrInvalidPrice, response.CodeInvalidPrice},
	{service.ErrInvalidBundle, response.CodeInvalidBundle},
	{service.ErrInvalidReference, response.CodeInvalidReference},
	{service.ErrDuplicateReference, response.CodeDuplicateReference},
	{service.ErrTopUpNotPending, response.CodeTopUpNotPending},
	{service.ErrTransactionNotFound, response.CodeTransactionMissing},
	{service.ErrBusy, response.CodeBusy},
	{service.ErrStoreUnavailable, response.CodeStoreUnavailable},
	{service.ErrUnauthenticated, response.CodeUnauthorized},
	{service.ErrInvalidRole, response.CodeUnauthorized},
	{service.ErrForbidden, response.CodeForbidden},
	{service.ErrInvalidAmount, response.CodeParamError},
}

// writeError 按错误类型返回具体的业务码，未知错误统一为服务器错误
func writeError(c *gin.Context, err error) {
	for _, item := range errorCodes {
		if errors.Is(err, item.err) {
			response.BusinessError(c, item.code, item.err.Error())
			return
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		response.Error(c, response.CodeStoreUnavailable, "请求超时，请重试")
		return
	}

	log.Printf("[Handler] 未处理的错误: path=%s, err=%v", c.Request.URL.Path, err)
	response.ServerError(c, "服务器内部错误")
}
