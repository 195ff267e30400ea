package api

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-core/internal/strategy"
	"strategy-core/internal/supervisor"
	"strategy-core/pkg/db"
)

// SignalStore reads the signal audit trail. *db.Database satisfies it.
type SignalStore interface {
	ListSignals(ctx context.Context, strategyID string, limit int) ([]db.Signal, error)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}

// strategyView is one row of the strategies listing: the static config
// plus the supervision state.
type strategyView struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Symbol        string `json:"symbol"`
	Timeframe     string `json:"timeframe"`
	AutoStart     bool   `json:"autoStart"`
	Running       bool   `json:"running"`
	Phase         string `json:"phase,omitempty"`
	CandleSeq     int64  `json:"candleSeq"`
	OpenPositions int    `json:"openPositions"`
	RestartCount  int    `json:"restartCount"`
}

func (s *Server) listStrategies(c *gin.Context) {
	cfgs := s.registry.All()
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].ID < cfgs[j].ID })

	out := make([]strategyView, 0, len(cfgs))
	for _, cfg := range cfgs {
		view := strategyView{
			ID:        cfg.ID,
			Name:      cfg.Name,
			Symbol:    cfg.Symbol,
			Timeframe: cfg.Timeframe,
			AutoStart: cfg.AutoStart,
		}
		st, err := s.commander.Status(c.Request.Context(), cfg.ID)
		if err != nil {
			s.log.Warn("status lookup failed",
				zap.String("strategy_id", cfg.ID), zap.Error(err))
		} else {
			view.Running = st.Running
			if st.State != nil {
				view.Phase = string(st.State.CurrentPhase)
				view.CandleSeq = st.State.CandleSeq
				view.OpenPositions = len(st.State.OpenPositions())
				view.RestartCount = st.State.RestartCount
			}
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getStrategy(c *gin.Context) {
	st, err := s.commander.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) strategyHealth(c *gin.Context) {
	h, err := s.health.Strategy(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NO_STATE", "strategy has never run")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) startStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.commander.Start(id); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategyId": id, "status": "started"})
}

func (s *Server) stopStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.commander.Stop(id); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategyId": id, "status": "stopped"})
}

func (s *Server) restartStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.commander.Restart(id); err != nil {
		s.commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategyId": id, "status": "restarted"})
}

func (s *Server) commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, strategy.ErrUnknownStrategy):
		respondError(c, http.StatusNotFound, "STRATEGY_NOT_FOUND", err.Error())
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, supervisor.ErrNotRunning):
		respondError(c, http.StatusConflict, "NOT_RUNNING", err.Error())
	default:
		s.log.Error("lifecycle command failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

type listSignalsQuery struct {
	StrategyID string `form:"strategyId"`
	Limit      int    `form:"limit"`
}

func (q *listSignalsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
}

func (s *Server) listSignals(c *gin.Context) {
	var q listSignalsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()

	rows, err := s.signals.ListSignals(c.Request.Context(), q.StrategyID, q.Limit)
	if err != nil {
		s.log.Error("signal listing failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL", "could not list signals")
		return
	}
	c.JSON(http.StatusOK, rows)
}
