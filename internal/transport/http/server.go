// Package http exposes the scheduling and booking services over a JSON REST
// API.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/service/booking"
	"turnos/backend/internal/service/scheduling"
	"turnos/backend/internal/store"
)

type schedulingService interface {
	ReplaceRules(ctx context.Context, providerID string, inputs []scheduling.RuleInput) ([]domain.WeeklyRule, error)
	ListRules(ctx context.Context, providerID string) ([]domain.WeeklyRule, error)
	CreateException(ctx context.Context, in scheduling.ExceptionInput) (domain.DateException, error)
	DeleteException(ctx context.Context, providerID string, exceptionID uuid.UUID) error
	GetConfig(ctx context.Context, providerID string) (domain.SchedulingConfig, error)
	PutConfig(ctx context.Context, in scheduling.ConfigInput) (domain.SchedulingConfig, error)
	ListAvailability(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error)
}

type bookingService interface {
	Book(ctx context.Context, in booking.BookInput) (booking.BookResult, error)
	RequestPayment(ctx context.Context, in booking.RequestPaymentInput) (domain.PaymentAttempt, error)
	Cancel(ctx context.Context, in booking.CancelInput) (domain.Appointment, error)
	List(ctx context.Context, in booking.ListInput) (booking.Page, error)
}

type Server struct {
	scheduling schedulingService
	booking    bookingService
	log        *slog.Logger
}

func NewServer(scheduling schedulingService, booking bookingService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		scheduling: scheduling,
		booking:    booking,
		log:        log.With(slog.String("component", "http")),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	{
		providers := v1.Group("/providers/:id")
		providers.PUT("/rules", s.replaceRules)
		providers.GET("/rules", s.listRules)
		providers.GET("/availability", s.listAvailability)
		providers.POST("/exceptions", s.createException)
		providers.DELETE("/exceptions/:exceptionID", s.deleteException)
		providers.GET("/scheduling-config", s.getConfig)
		providers.PUT("/scheduling-config", s.putConfig)

		appts := v1.Group("/appointments")
		appts.POST("", s.book)
		appts.GET("", s.listAppointments)
		appts.POST("/:id/payment", s.requestPayment)
		appts.POST("/:id/cancel", s.cancelAppointment)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// actorFrom reads the identity the edge proxy injected after authenticating
// the caller. Role defaults to subject.
func actorFrom(c *gin.Context) booking.Actor {
	role := booking.Role(c.GetHeader("X-Actor-Role"))
	switch role {
	case booking.RoleSubject, booking.RoleProvider, booking.RoleAdmin:
	default:
		role = booking.RoleSubject
	}
	return booking.Actor{ID: c.GetHeader("X-Actor-Id"), Role: role}
}

func (s *Server) writeError(c *gin.Context, err error) {
	var schedErr *scheduling.ValidationError
	var bookErr *booking.ValidationError
	var upErr *booking.UpstreamError

	switch {
	case errors.As(err, &schedErr), errors.As(err, &bookErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrIdempotencyConflict), errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &upErr):
		s.log.Error("upstream failure", slog.String("op", upErr.Op), slog.Any("err", upErr.Err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream service unavailable"})
	default:
		s.log.Error("internal error", slog.Any("err", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required"})
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC3339"})
		return time.Time{}, false
	}
	return t, true
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}
