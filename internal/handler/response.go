package handler

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/message-scheduler/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Meta    *PageMeta   `json:"meta,omitempty"`
}

// PageMeta echoes the effective paging window of a list response.
type PageMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

func RespondWithSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, NewSuccessResponse(data))
}

func RespondWithPage(c *gin.Context, data interface{}, limit, offset, count int) {
	resp := NewSuccessResponse(data)
	resp.Meta = &PageMeta{Limit: limit, Offset: offset, Count: count}
	c.JSON(http.StatusOK, resp)
}

// RespondWithError writes err as an error response and records it on the context
// for the logging middleware. Internal causes never reach the client.
func RespondWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	status := apperrors.HTTPStatus(err)
	message := "internal server error"
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) && appErr.Code != apperrors.ErrInternal {
		message = appErr.Message
	}
	c.AbortWithStatusJSON(status, NewErrorResponse(message))
}
