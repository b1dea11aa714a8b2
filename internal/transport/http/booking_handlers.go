package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/service/booking"
	"turnos/backend/internal/store"
)

type bookRequest struct {
	ProviderID string    `json:"provider_id"`
	SubjectID  string    `json:"subject_id"`
	Start      time.Time `json:"start"`
}

type appointmentResponse struct {
	ID              string     `json:"id"`
	ProviderID      string     `json:"provider_id"`
	SubjectID       string     `json:"subject_id"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	Status          string     `json:"status"`
	PaymentDeadline time.Time  `json:"payment_deadline"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

type paymentResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:              a.ID.String(),
		ProviderID:      a.ProviderID,
		SubjectID:       a.SubjectID,
		Start:           a.StartTime,
		End:             a.EndTime,
		Status:          string(a.Status),
		PaymentDeadline: a.PaymentDeadline,
		CancelReason:    a.CancelReason,
		CancelledAt:     a.CancelledAt,
	}
}

func toPaymentResponse(p domain.PaymentAttempt) paymentResponse {
	return paymentResponse{
		ID:          p.ID.String(),
		Status:      string(p.Status),
		Amount:      p.Amount,
		Currency:    p.Currency,
		CheckoutURL: p.CheckoutURL,
		ExpiresAt:   p.ExpiresAt,
	}
}

func (s *Server) book(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := s.booking.Book(c.Request.Context(), booking.BookInput{
		Actor:          actorFrom(c),
		ProviderID:     req.ProviderID,
		SubjectID:      req.SubjectID,
		Start:          req.Start,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"appointment": toAppointmentResponse(res.Appointment),
		"payment":     toPaymentResponse(res.Payment),
	})
}

func (s *Server) requestPayment(c *gin.Context) {
	appointmentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	attempt, err := s.booking.RequestPayment(c.Request.Context(), booking.RequestPaymentInput{
		Actor:          actorFrom(c),
		AppointmentID:  appointmentID,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": toPaymentResponse(attempt)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelAppointment(c *gin.Context) {
	appointmentID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}

	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	appt, err := s.booking.Cancel(c.Request.Context(), booking.CancelInput{
		Actor:         actorFrom(c),
		AppointmentID: appointmentID,
		Reason:        req.Reason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": toAppointmentResponse(appt)})
}

func (s *Server) listAppointments(c *gin.Context) {
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
			return
		}
		page = v
	}
	pageSize := 0
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "page_size must be a positive integer"})
			return
		}
		pageSize = v
	}

	result, err := s.booking.List(c.Request.Context(), booking.ListInput{
		Actor: actorFrom(c),
		Scope: store.Scope{
			ProviderID: c.Query("provider_id"),
			SubjectID:  c.Query("subject_id"),
		},
		From:     from,
		To:       to,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	items := make([]appointmentResponse, 0, len(result.Items))
	for _, a := range result.Items {
		items = append(items, toAppointmentResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{
		"appointments": items,
		"total":        result.Total,
		"page":         result.Page,
		"page_size":    result.PageSize,
	})
}
