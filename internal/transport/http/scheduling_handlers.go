package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"turnos/backend/internal/domain"
	"turnos/backend/internal/service/scheduling"
)

type ruleRequest struct {
	Weekday int    `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Active  bool   `json:"active"`
}

type replaceRulesRequest struct {
	Rules []ruleRequest `json:"rules"`
}

type ruleResponse struct {
	ID      string `json:"id"`
	Weekday int    `json:"weekday"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Active  bool   `json:"active"`
}

func toRuleResponses(rules []domain.WeeklyRule) []ruleResponse {
	out := make([]ruleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleResponse{
			ID:      r.ID.String(),
			Weekday: r.Weekday,
			Start:   r.StartTime,
			End:     r.EndTime,
			Active:  r.Active,
		})
	}
	return out
}

func (s *Server) replaceRules(c *gin.Context) {
	var req replaceRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	inputs := make([]scheduling.RuleInput, 0, len(req.Rules))
	for _, r := range req.Rules {
		inputs = append(inputs, scheduling.RuleInput{
			Weekday: r.Weekday,
			Start:   r.Start,
			End:     r.End,
			Active:  r.Active,
		})
	}

	rules, err := s.scheduling.ReplaceRules(c.Request.Context(), c.Param("id"), inputs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": toRuleResponses(rules)})
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.scheduling.ListRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": toRuleResponses(rules)})
}

type exceptionRequest struct {
	Date    string              `json:"date"`
	Kind    string              `json:"kind"`
	Windows []domain.TimeWindow `json:"windows"`
}

type exceptionResponse struct {
	ID      string              `json:"id"`
	Date    string              `json:"date"`
	Kind    string              `json:"kind"`
	Windows []domain.TimeWindow `json:"windows,omitempty"`
}

func (s *Server) createException(c *gin.Context) {
	var req exceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ex, err := s.scheduling.CreateException(c.Request.Context(), scheduling.ExceptionInput{
		ProviderID: c.Param("id"),
		Date:       req.Date,
		Kind:       domain.ExceptionKind(req.Kind),
		Windows:    req.Windows,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exceptionResponse{
		ID:      ex.ID.String(),
		Date:    ex.Date,
		Kind:    string(ex.Kind),
		Windows: ex.Windows,
	})
}

func (s *Server) deleteException(c *gin.Context) {
	exceptionID, ok := parseIDParam(c, "exceptionID")
	if !ok {
		return
	}
	if err := s.scheduling.DeleteException(c.Request.Context(), c.Param("id"), exceptionID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type configPayload struct {
	SlotDurationMinutes int    `json:"slot_duration_minutes"`
	LeadTimeHours       int    `json:"lead_time_hours"`
	HorizonDays         int    `json:"horizon_days"`
	Timezone            string `json:"timezone"`
}

func (s *Server) getConfig(c *gin.Context) {
	cfg, err := s.scheduling.GetConfig(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, configPayload{
		SlotDurationMinutes: cfg.SlotDurationMinutes,
		LeadTimeHours:       cfg.LeadTimeHours,
		HorizonDays:         cfg.HorizonDays,
		Timezone:            cfg.Timezone,
	})
}

func (s *Server) putConfig(c *gin.Context) {
	var req configPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	cfg, err := s.scheduling.PutConfig(c.Request.Context(), scheduling.ConfigInput{
		ProviderID:          c.Param("id"),
		SlotDurationMinutes: req.SlotDurationMinutes,
		LeadTimeHours:       req.LeadTimeHours,
		HorizonDays:         req.HorizonDays,
		Timezone:            req.Timezone,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, configPayload{
		SlotDurationMinutes: cfg.SlotDurationMinutes,
		LeadTimeHours:       cfg.LeadTimeHours,
		HorizonDays:         cfg.HorizonDays,
		Timezone:            cfg.Timezone,
	})
}

type slotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) listAvailability(c *gin.Context) {
	from, ok := parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseTimeParam(c, "to")
	if !ok {
		return
	}

	slots, err := s.scheduling.ListAvailability(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]slotResponse, 0, len(slots))
	for _, slot := range slots {
		out = append(out, slotResponse{Start: slot.Start, End: slot.End})
	}
	c.JSON(http.StatusOK, gin.H{"slots": out})
}
