package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-engine/internal/assign"
	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/engine"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/identity"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/trip"
)

type Server struct {
	engine *engine.Engine
	wsReg  *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(e *engine.Engine, wsReg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: e, wsReg: wsReg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleRequestTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/start", s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/complete", s.handleCompleteTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/online", s.handleGoOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleGoOffline).Methods("POST")
	s.mux.HandleFunc("/internal/driver/positions", s.handlePosition).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{client_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.engine.RequestTrip(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, ok := s.engine.Trip(mux.Vars(r)["trip_id"])
	if !ok {
		writeJSONError(w, http.StatusNotFound, engine.ErrTripNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.CancelTrip(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type driverAction struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km,omitempty"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	tripID := mux.Vars(r)["trip_id"]
	if err := s.engine.AcceptOffer(r.Context(), tripID, body.DriverID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	t, _ := s.engine.Trip(tripID)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var body driverAction
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.engine.StartTrip(r.Context(), mux.Vars(r)["trip_id"], body.DriverID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	body := driverAction{DistanceKm: -1}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.engine.CompleteTrip(r.Context(), mux.Vars(r)["trip_id"], body.DriverID, body.DistanceKm)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	var pos models.DriverPosition
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.GoOnline(r.Context(), mux.Vars(r)["driver_id"], pos); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	s.engine.GoOffline(r.Context(), mux.Vars(r)["driver_id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var pos models.DriverPosition
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ReportPosition(r.Context(), pos); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	s.wsReg.Add(clientID, conn)
	// drain inbound frames so pings are answered and closes are noticed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsReg.Remove(clientID)
				return
			}
		}
	}()
}

// writeEngineError maps engine rejections onto HTTP statuses. Losing an
// assignment race is a 409, not a failure.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, engine.ErrTripNotFound):
		writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, assign.ErrAlreadyAssigned),
		errors.Is(err, assign.ErrTripNotOfferable),
		errors.Is(err, assign.ErrDriverUnavailable),
		errors.Is(err, assign.ErrOfferExpired),
		errors.Is(err, engine.ErrDriverOffline),
		errors.Is(err, trip.ErrAlreadyInState):
		writeJSONError(w, http.StatusConflict, err)
	case errors.Is(err, engine.ErrNotTripDriver):
		writeJSONError(w, http.StatusForbidden, err)
	case errors.Is(err, trip.ErrInvalidTransition):
		writeJSONError(w, http.StatusUnprocessableEntity, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
