package order

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paygate/payment/apperr"
	"paygate/payment/db"
)

type payHandler struct {
	service   *Service
	engine    *Engine
	collector *Collector
	logger    *zap.Logger
}

// RegisterHandlers mounts the order API under /api/payment. admin guards the
// collect and reconcile endpoints.
func RegisterHandlers(r gin.IRouter, service *Service, engine *Engine, collector *Collector, logger *zap.Logger, admin ...gin.HandlerFunc) {
	ph := &payHandler{service: service, engine: engine, collector: collector, logger: logger.Named("http")}

	api := r.Group("/api/payment")
	api.POST("/order/create", ph.handleCreateOrder)
	api.GET("/order/:order_no", ph.handleGetOrder)
	api.GET("/order/:order_no/check", ph.handleCheckOrder)

	restricted := api.Group("", admin...)
	restricted.POST("/order/:order_no/collect", ph.handleCollect)
	restricted.POST("/admin/reconcile", ph.handleReconcile)
}

type orderResponse struct {
	*db.Order
	PaymentURI string `json:"payment_uri"`
}

func (ph *payHandler) handleCreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	order, err := ph.service.Create(c.Request.Context(), req)
	if err != nil {
		ph.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Order: order, PaymentURI: ph.service.PaymentURI(order)})
}

func (ph *payHandler) handleGetOrder(c *gin.Context) {
	order, err := ph.service.Get(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		ph.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Order: order, PaymentURI: ph.service.PaymentURI(order)})
}

func (ph *payHandler) handleCheckOrder(c *gin.Context) {
	order, err := ph.service.Check(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		ph.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  order.Status,
		"paid":    order.Status == db.StatusPaid,
		"expired": order.Status == db.StatusExpired,
	})
}

func (ph *payHandler) handleCollect(c *gin.Context) {
	result, err := ph.collector.Collect(c.Request.Context(), c.Param("order_no"))
	if err != nil {
		c.JSON(statusOf(err), result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (ph *payHandler) handleReconcile(c *gin.Context) {
	report, err := ph.engine.Run(c.Request.Context())
	if err != nil {
		ph.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (ph *payHandler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": http.StatusText(status)}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind() != apperr.KindInternal {
		body["error"] = appErr.Message()
		body["kind"] = appErr.Kind()
	}
	if status >= http.StatusInternalServerError {
		ph.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func statusOf(err error) int {
	return apperr.From(err).StatusCode()
}
