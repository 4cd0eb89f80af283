package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradegame/market-engine/internal/engine"
	"github.com/tradegame/market-engine/internal/model"
	"github.com/tradegame/market-engine/internal/store"
)

// --- Request types ---

// RegisterRequest is the JSON body for POST /players. Only admins may pick
// an id other than their own.
type RegisterRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// TradeRequest is the JSON body for buy and sell.
type TradeRequest struct {
	Quantity int64 `json:"quantity"`
}

// ImpactRequest is the JSON body for PUT /events/{eventID}/impacts.
type ImpactRequest struct {
	AssetID string          `json:"asset_id"`
	Impact  decimal.Decimal `json:"impact"`
}

// --- Players ---

// handleRegisterPlayer handles POST /api/v1/players
func (s *Server) handleRegisterPlayer(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := identityFrom(r.Context())
	if req.ID == "" || !id.Admin {
		if req.ID != "" && req.ID != id.PlayerID {
			writeError(w, "cannot register another player", http.StatusForbidden)
			return
		}
		req.ID = id.PlayerID
	}

	p, err := s.engine.RegisterPlayer(r.Context(), req.ID, req.Name)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleListPlayers handles GET /api/v1/players
func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.engine.ListPlayers(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if players == nil {
		players = []model.Player{}
	}
	writeJSON(w, http.StatusOK, players)
}

// handleGetPlayer handles GET /api/v1/players/{playerID}
func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if !canAccess(identityFrom(r.Context()), playerID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	p, err := s.engine.GetPlayer(r.Context(), playerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeletePlayer handles DELETE /api/v1/players/{playerID}
func (s *Server) handleDeletePlayer(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	if !canAccess(identityFrom(r.Context()), playerID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := s.engine.DeletePlayer(r.Context(), playerID); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Current player ---

// handleMe handles GET /api/v1/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.GetPlayer(r.Context(), identityFrom(r.Context()).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleMyHoldings handles GET /api/v1/me/holdings
func (s *Server) handleMyHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.engine.Holdings(r.Context(), identityFrom(r.Context()).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if holdings == nil {
		holdings = []model.Holding{}
	}
	writeJSON(w, http.StatusOK, holdings)
}

// handleMySales handles GET /api/v1/me/sales
func (s *Server) handleMySales(w http.ResponseWriter, r *http.Request) {
	sales, err := s.engine.PendingSales(r.Context(), identityFrom(r.Context()).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if sales == nil {
		sales = []model.PendingSale{}
	}
	writeJSON(w, http.StatusOK, sales)
}

// handleMyResults handles GET /api/v1/me/results
func (s *Server) handleMyResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.RoundResults(r.Context(), identityFrom(r.Context()).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if results == nil {
		results = []model.RoundResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// handleMyRound handles GET /api/v1/me/round
func (s *Server) handleMyRound(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.CurrentRound(r.Context(), identityFrom(r.Context()).PlayerID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Assets ---

// handleListAssets handles GET /api/v1/assets
func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.engine.ListAssets(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// handleGetAsset handles GET /api/v1/assets/{assetID}
func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAsset(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleCreateAsset handles POST /api/v1/assets
func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var in engine.AssetInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := s.engine.CreateAsset(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleUpdateAsset handles PUT /api/v1/assets/{assetID}
func (s *Server) handleUpdateAsset(w http.ResponseWriter, r *http.Request) {
	var in engine.AssetInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := s.engine.UpdateAsset(r.Context(), chi.URLParam(r, "assetID"), in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAsset handles DELETE /api/v1/assets/{assetID}
func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAsset(r.Context(), chi.URLParam(r, "assetID")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Trading ---

// handleBuy handles POST /api/v1/assets/{assetID}/buy
func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrade(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Buy(r.Context(), identityFrom(r.Context()).PlayerID, chi.URLParam(r, "assetID"), req.Quantity)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSell handles POST /api/v1/assets/{assetID}/sell
func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrade(w, r)
	if !ok {
		return
	}
	res, err := s.engine.Sell(r.Context(), identityFrom(r.Context()).PlayerID, chi.URLParam(r, "assetID"), req.Quantity)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodeTrade(w http.ResponseWriter, r *http.Request) (TradeRequest, bool) {
	var req TradeRequest
	if !s.throttle.allow(identityFrom(r.Context()).PlayerID) {
		writeError(w, "too many trade requests", http.StatusTooManyRequests)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "quantity must be a positive integer", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// --- Events ---

// handleListEvents handles GET /api/v1/events
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ListEvents(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if events == nil {
		events = []model.MarketEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetEvent handles GET /api/v1/events/{eventID}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleCreateEvent handles POST /api/v1/events
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var in engine.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := s.engine.CreateEvent(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// handleUpdateEvent handles PUT /api/v1/events/{eventID}
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var in engine.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := s.engine.UpdateEvent(r.Context(), chi.URLParam(r, "eventID"), in)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleDeleteEvent handles DELETE /api/v1/events/{eventID}
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteEvent(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSetEventImpact handles PUT /api/v1/events/{eventID}/impacts
func (s *Server) handleSetEventImpact(w http.ResponseWriter, r *http.Request) {
	var req ImpactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	imp, err := s.engine.SetEventImpact(r.Context(), chi.URLParam(r, "eventID"), req.AssetID, req.Impact)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, imp)
}

// --- Rounds ---

// handleAdvanceRound handles POST /api/v1/rounds/advance
func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.AdvanceRound(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleSettle handles POST /api/v1/rounds/settle
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.SettleSales(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Responses ---

// statusFor maps an engine error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrLimitExceeded), errors.Is(err, store.ErrTxConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientHoldings):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
