package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"flowdesk/internal/config"
	"flowdesk/internal/metrics"
	"flowdesk/internal/risk"
	"flowdesk/internal/router"
	"flowdesk/pkg/types"
)

// Server is the operator HTTP API: health, account state, manual orders,
// mode switching, and risk controls.
type Server struct {
	cfg    config.ControlConfig
	plane  *Plane
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the API server around the plane.
func NewServer(cfg config.ControlConfig, plane *Plane, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		plane:  plane,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/orders", s.handleOpenOrders)
	mux.HandleFunc("POST /api/orders/place", s.handlePlaceOrder)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("POST /api/switch_mode", s.handleSwitchMode)
	mux.HandleFunc("GET /api/risk", s.handleRiskSnapshot)
	mux.HandleFunc("POST /api/risk/limits", s.handleRiskLimits)
	mux.HandleFunc("POST /api/risk/reset_kill_switch", s.handleRiskReset)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocking.
func (s *Server) Start() error {
	s.logger.Info("control server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests within the configured timeout.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status     string         `json:"status"`
	Mode       types.Mode     `json:"mode"`
	UptimeSec  int64          `json:"uptime_sec"`
	KillSwitch bool           `json:"kill_switch"`
	Streams    int            `json:"streams"`
	Queues     map[string]int `json:"writer_queues,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.plane.router.RiskSnapshot()
	resp := healthResponse{
		Status:     "ok",
		Mode:       s.plane.router.Mode(),
		UptimeSec:  int64(time.Since(s.plane.startedAt).Seconds()),
		KillSwitch: snap.KillSwitch,
		Streams:    len(s.plane.streams),
	}
	if s.plane.writer != nil {
		ticks, bars, orders := s.plane.writer.QueueSizes()
		resp.Queues = map[string]int{"ticks": ticks, "bars": bars, "orders": orders}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.router.Positions())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.router.Stats())
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.router.OpenOrders())
}

// placeOrderRequest carries numbers as strings so quantities survive
// the trip without float rounding.
type placeOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Kind      string `json:"kind"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price,omitempty"`
	StopPrice string `json:"stop_price,omitempty"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quantity")
		return
	}
	order := types.Order{
		Symbol:   req.Symbol,
		Side:     types.Side(req.Side),
		Kind:     types.OrderKind(req.Kind),
		Quantity: qty,
	}
	if req.Price != "" {
		if order.LimitPrice, err = decimal.NewFromString(req.Price); err != nil {
			writeError(w, http.StatusBadRequest, "invalid price")
			return
		}
	}
	if req.StopPrice != "" {
		if order.StopPrice, err = decimal.NewFromString(req.StopPrice); err != nil {
			writeError(w, http.StatusBadRequest, "invalid stop_price")
			return
		}
	}

	placed, err := s.plane.router.Place(order)
	if err != nil {
		if errors.Is(err, router.ErrRejected) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"order": placed,
				"error": err.Error(),
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, placed)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.plane.router.GetOrder(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.plane.router.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleSwitchMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.plane.router.SwitchMode(types.Mode(req.Mode)); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]types.Mode{"mode": s.plane.router.Mode()})
}

func (s *Server) handleRiskSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plane.router.RiskSnapshot())
}

type riskLimitsRequest struct {
	DailyLossLimitPct  float64 `json:"daily_loss_limit_pct"`
	PositionLimit      int     `json:"position_limit"`
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	NotionalCap        float64 `json:"notional_cap"`
	TotalExposurePct   float64 `json:"total_exposure_pct"`
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	var req riskLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DailyLossLimitPct <= 0 || req.PositionLimit <= 0 {
		writeError(w, http.StatusBadRequest, "daily_loss_limit_pct and position_limit must be > 0")
		return
	}

	s.plane.router.UpdateRiskLimits(risk.Limits{
		DailyLossLimitPct:  decimal.NewFromFloat(req.DailyLossLimitPct),
		PositionLimit:      req.PositionLimit,
		MaxPositionSizePct: decimal.NewFromFloat(req.MaxPositionSizePct),
		NotionalCap:        decimal.NewFromFloat(req.NotionalCap),
		TotalExposurePct:   decimal.NewFromFloat(req.TotalExposurePct),
	})
	writeJSON(w, http.StatusOK, s.plane.router.RiskSnapshot())
}

func (s *Server) handleRiskReset(w http.ResponseWriter, r *http.Request) {
	s.plane.router.ResetKillSwitch()
	s.logger.Info("kill switch reset via API", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, s.plane.router.RiskSnapshot())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
