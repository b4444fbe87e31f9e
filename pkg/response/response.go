package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 业务错误码，客户端据此展示具体原因
const (
	CodeInsufficientFunds  = 1001
	CodeAlreadyUnlocked    = 1002
	CodeUndoNotEligible    = 1003
	CodeFreeSlotUsed       = 1004
	CodeAccountNotFound    = 1005
	CodeSongNotFound       = 1006
	CodeSongNotAvailable   = 1007
	CodeSongStatusInvalid  = 1008
	CodeInvalidPrice       = 1009
	CodeInvalidBundle      = 1010
	CodeInvalidReference   = 1011
	CodeDuplicateReference = 1012
	CodeTopUpNotPending    = 1013
	CodeTransactionMissing = 1014
	CodeBusy               = 1015
	CodeStoreUnavailable   = 1016
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	SuccessWithMessage(c, "success", data)
}

func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: message,
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
