package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"flowtrader/internal/engine"
	"flowtrader/internal/execution"
	"flowtrader/internal/gateway"
	"flowtrader/internal/graph"
	"flowtrader/internal/node"
	"flowtrader/internal/scheduler"
	"flowtrader/internal/trailing"
)

var (
	// errBadRequest 表示请求本身无法解析。
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

// Response 为统一的响应结构，Code 为 0 表示成功。
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// JSON 按错误类型选择 HTTP 状态码并输出统一结构。
func JSON(c *gin.Context, err error, data interface{}) {
	if err == nil {
		c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
		return
	}
	status := statusOf(err)
	c.JSON(status, Response{Code: status, Message: err.Error(), Data: data})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, graph.ErrInvalidReference):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrTypeIncompatible),
		errors.Is(err, graph.ErrSelfLoop),
		errors.Is(err, graph.ErrSocketOccupied),
		errors.Is(err, graph.ErrDuplicateNode):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrInvalidStart),
		errors.Is(err, scheduler.ErrUnknownNode),
		errors.Is(err, node.ErrUnknownTag),
		errors.Is(err, trailing.ErrInvalidSettings),
		errors.Is(err, trailing.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrRiskRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
