package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/apperrors"
	"github.com/example/taxi-dispatch/internal/fraud"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal", "code": "internal"})
		return
	}
	status := http.StatusInternalServerError
	switch ae.Kind {
	case apperrors.KindValidation:
		status = http.StatusBadRequest
	case apperrors.KindConflict:
		status = http.StatusConflict
	case apperrors.KindNotFound:
		status = http.StatusNotFound
	case apperrors.KindPolicyDenied:
		status = http.StatusForbidden
		if ae.Code == fraud.CodeVelocity {
			status = http.StatusTooManyRequests
		}
	case apperrors.KindUnavailable:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": ae.Error(), "code": ae.Code})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperrors.Validation("invalid_body", "invalid request body: %v", err))
		return false
	}
	return true
}

type quoteRequest struct {
	Pickup    models.Coord   `json:"pickup"`
	Stops     []models.Coord `json:"stops,omitempty"`
	Dropoff   models.Coord   `json:"dropoff"`
	RideClass string         `json:"ride_class,omitempty"`
	PromoCode string         `json:"promo_code,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var in quoteRequest
	if !decode(w, r, &in) {
		return
	}
	q, err := s.rides.Quote(r.Context(), lifecycle.QuoteInput{
		Pickup:    in.Pickup,
		Stops:     in.Stops,
		Dropoff:   in.Dropoff,
		RideClass: in.RideClass,
		PromoCode: in.PromoCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type rideRequest struct {
	RiderUserID    string         `json:"rider_user_id"`
	Pickup         models.Coord   `json:"pickup"`
	Stops          []models.Coord `json:"stops,omitempty"`
	Dropoff        models.Coord   `json:"dropoff"`
	RideClass      string         `json:"ride_class,omitempty"`
	PayMode        string         `json:"pay_mode,omitempty"`
	Prepay         *bool          `json:"prepay,omitempty"`
	PromoCode      string         `json:"promo_code,omitempty"`
	PassengerName  string         `json:"passenger_name,omitempty"`
	PassengerPhone string         `json:"passenger_phone,omitempty"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var in rideRequest
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.rides.Request(r.Context(), lifecycle.RequestInput{
		RiderUserID:    in.RiderUserID,
		Pickup:         in.Pickup,
		Stops:          in.Stops,
		Dropoff:        in.Dropoff,
		RideClass:      in.RideClass,
		PayMode:        in.PayMode,
		Prepay:         in.Prepay,
		PromoCode:      in.PromoCode,
		PassengerName:  in.PassengerName,
		PassengerPhone: in.PassengerPhone,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverAction struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var in driverAction
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.rides.Accept(r.Context(), mux.Vars(r)["ride_id"], in.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in driverAction
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.rides.Start(r.Context(), mux.Vars(r)["ride_id"], in.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in driverAction
	if !decode(w, r, &in) {
		return
	}
	ride, receipt, err := s.rides.Complete(r.Context(), mux.Vars(r)["ride_id"], in.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "receipt": receipt})
}

func (s *Server) handleCancelByRider(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RiderUserID string `json:"rider_user_id"`
	}
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.rides.CancelByRider(r.Context(), mux.Vars(r)["ride_id"], in.RiderUserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelByDriver(w http.ResponseWriter, r *http.Request) {
	var in driverAction
	if !decode(w, r, &in) {
		return
	}
	ride, err := s.rides.CancelByDriver(r.Context(), mux.Vars(r)["ride_id"], in.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleDriverStatus flips a driver between available and offline. Busy is
// owned by the lifecycle and cannot be set directly.
func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var in struct {
		Status string `json:"status"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Status != models.DriverAvailable && in.Status != models.DriverOffline {
		writeError(w, apperrors.Validation("invalid_status", "status must be available or offline"))
		return
	}

	var drv *models.Driver
	err := s.store.InTx(r.Context(), func(tx storage.Tx) error {
		d, err := tx.GetDriverForUpdate(r.Context(), driverID)
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("driver_not_found", "driver %s not found", driverID)
		}
		if err != nil {
			return err
		}
		if in.Status == models.DriverAvailable {
			if err := s.guard.CheckDriverSuspended(r.Context(), tx, driverID); err != nil {
				return err
			}
		}
		if d.Status == models.DriverBusy {
			return apperrors.Conflict("driver_busy", "driver %s has an active ride", driverID)
		}
		d.Status = in.Status
		if err := tx.UpdateDriver(r.Context(), d); err != nil {
			return err
		}
		drv = d
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if in.Status == models.DriverOffline && s.geo != nil {
		if err := s.geo.Remove(r.Context(), driverID); err != nil {
			s.logger.Warn("geo remove failed", "driver_id", driverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, drv)
}

type locationUpdate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// handleDriverLocation upserts the driver's position, feeds the geo index,
// publishes to the location topic and relays to the active ride's channel.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	var in locationUpdate
	if !decode(w, r, &in) {
		return
	}
	loc := models.Coord{Lat: in.Lat, Lon: in.Lon}
	if !geo.ValidCoord(loc) {
		writeError(w, apperrors.Validation("invalid_coords", "lat/lon out of range"))
		return
	}

	now := time.Now().UTC()
	var activeRideID string
	err := s.store.InTx(r.Context(), func(tx storage.Tx) error {
		if _, err := tx.GetDriver(r.Context(), driverID); errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("driver_not_found", "driver %s not found", driverID)
		} else if err != nil {
			return err
		}
		if err := tx.UpsertDriverLocation(r.Context(), &models.DriverLocation{
			DriverID:  driverID,
			Loc:       loc,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		if id, err := tx.ActiveRideIDForDriver(r.Context(), driverID); err == nil {
			activeRideID = id
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.geo != nil {
		if err := s.geo.Update(r.Context(), driverID, loc, now); err != nil {
			s.logger.Warn("geo update failed", "driver_id", driverID, "error", err)
		}
	}
	if s.locations != nil {
		if err := s.locations.Publish(r.Context(), ingest.LocationUpdate{
			DriverID: driverID, Lat: loc.Lat, Lon: loc.Lon, At: now,
		}); err != nil {
			s.logger.Warn("location publish failed", "driver_id", driverID, "error", err)
		}
	}
	if activeRideID != "" && s.hub != nil {
		s.hub.WS().Broadcast("ride:"+activeRideID, map[string]any{
			"event": "driver_location", "driver_id": driverID, "lat": loc.Lat, "lon": loc.Lon, "at": now,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

type walletRequest struct {
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	var in walletRequest
	if !decode(w, r, &in) {
		return
	}
	wal, err := s.wallets.Topup(r.Context(), mux.Vars(r)["driver_id"], in.AmountCents, in.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var in walletRequest
	if !decode(w, r, &in) {
		return
	}
	wal, err := s.wallets.Withdraw(r.Context(), mux.Vars(r)["driver_id"], in.AmountCents, in.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wal, err := s.wallets.Balance(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

// handleRideReassign is the participant-facing requeue: the rider or the
// assigned driver may put a not-yet-accepted ride back on the market.
func (s *Server) handleRideReassign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ActorID string `json:"actor_id"`
	}
	if !decode(w, r, &in) {
		return
	}
	ride, rematched, err := s.rides.ReassignByActor(r.Context(), mux.Vars(r)["ride_id"], in.ActorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "rematched": rematched})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Reason string `json:"reason,omitempty"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Reason == "" {
		in.Reason = "admin"
	}
	ride, rematched, err := s.rides.Reassign(r.Context(), mux.Vars(r)["ride_id"], in.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride, "rematched": rematched})
}

func (s *Server) handleReapAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.reaper.ReapAssigned(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReapStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.reaper.ReapAccepted(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBreakerSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Snapshot())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request) {
	s.breaker.Reset()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleRideWS(w http.ResponseWriter, r *http.Request) {
	s.subscribeWS(w, r, "ride:"+mux.Vars(r)["ride_id"])
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	s.subscribeWS(w, r, "driver:"+mux.Vars(r)["driver_id"])
}

func (s *Server) subscribeWS(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	reg := s.hub.WS()
	reg.Subscribe(channel, conn)
	go func() {
		defer func() {
			reg.Unsubscribe(channel, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
