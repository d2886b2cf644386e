package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/zones"
)

// Quoter prices a trip without creating a ride.
type Quoter interface {
	Quote(req fare.Request) (models.Quote, error)
}

// Refresher reloads a catalog snapshot from storage.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Server terminates websocket sessions and serves the REST surface:
// fare quotes, the admin catalog refresh, health and metrics.
type Server struct {
	Coordinator *dispatch.Coordinator
	Quoter      Quoter
	Zones       Refresher
	Pricing     Refresher
	Discounts   Refresher

	VehicleType string // default when a quote request leaves it empty

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *dispatch.Coordinator, quoter Quoter, zoneStore, pricingStore, discounts Refresher, vehicleType string, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator: coord,
		Quoter:      quoter,
		Zones:       zoneStore,
		Pricing:     pricingStore,
		Discounts:   discounts,
		VehicleType: vehicleType,
		logger:      logger,
		mux:         mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/quote", s.handleQuote).Methods("POST")
	s.mux.HandleFunc("/api/v1/admin/refresh", s.handleAdminRefresh).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type quoteRequest struct {
	Pickup      *models.Coord            `json:"pickup"`
	Destination *models.Coord            `json:"destination"`
	Category    models.PassengerCategory `json:"passenger_category"`
	Age         int                      `json:"passenger_age"`
	VehicleType string                   `json:"vehicle_type"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var qr quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&qr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if qr.Pickup == nil || qr.Destination == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "pickup and destination are required")
		return
	}
	vt := qr.VehicleType
	if vt == "" {
		vt = s.VehicleType
	}
	q, err := s.Quoter.Quote(fare.Request{
		Pickup:      *qr.Pickup,
		Destination: *qr.Destination,
		Category:    qr.Category,
		Age:         qr.Age,
		VehicleType: vt,
	})
	switch {
	case errors.Is(err, zones.ErrOutOfServiceArea):
		writeError(w, http.StatusUnprocessableEntity, "out_of_service_area", err.Error())
		return
	case errors.Is(err, pricing.ErrNoFareAvailable):
		writeError(w, http.StatusUnprocessableEntity, "no_fare_available", err.Error())
		return
	case err != nil:
		s.logger.Error("quote failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleAdminRefresh reloads zones, pricing rules and the discount
// configuration from storage, in that order so pricing never sees zone
// ids its snapshot predates.
func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-User-Role") != string(dispatch.RoleAdmin) {
		writeError(w, http.StatusForbidden, "unauthorized", "admin role required")
		return
	}
	ctx := r.Context()
	for _, step := range []struct {
		name string
		ref  Refresher
	}{
		{"zones", s.Zones},
		{"pricing", s.Pricing},
		{"discounts", s.Discounts},
	} {
		if step.ref == nil {
			continue
		}
		if err := step.ref.Refresh(ctx); err != nil {
			s.logger.Error("catalog refresh failed", "catalog", step.name, "error", err)
			writeError(w, http.StatusBadGateway, "refresh_failed", step.name+": "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

var upgrader = websocket.Upgrader{
	// auth happens at the fronting gateway; same-origin checks add
	// nothing for native mobile clients
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and runs the session read loop until
// the peer goes away. Identity comes from headers set by the fronting
// auth layer.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	role := dispatch.Role(r.Header.Get("X-User-Role"))
	if userID == "" || !validRole(role) {
		http.Error(w, "missing or invalid identity headers", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := dispatch.NewSession(userID, role, conn, s.logger)
	s.Coordinator.Connect(sess)
	defer func() {
		s.Coordinator.Disconnect(sess)
		sess.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "user_id", userID, "error", err)
			}
			return
		}
		s.Coordinator.HandleMessage(sess, raw)
	}
}

func validRole(r dispatch.Role) bool {
	switch r {
	case dispatch.RoleDriver, dispatch.RolePassenger, dispatch.RoleAdmin:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
