package transport

import (
	"net/http"

	"github.com/pitabwire/intake/internal/emission"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/internal/session"
	"github.com/pitabwire/intake/model"
)

type mountResponse struct {
	SessionID string `json:"session_id"`
	BookingID string `json:"booking_id"`
}

func handleMount(manager *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req session.MountRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		if req.BookingType == "" {
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				req.BookingType = rctx.BookingType
			}
		}

		_, span := observability.StartSpan(r.Context(), "session.mount",
			observability.AttrBookingID.String(req.BookingID))
		eng, err := manager.Mount(req)
		observability.EndSpanWithError(span, err)
		if err != nil {
			WriteError(w, err)
			return
		}

		w.Header().Set("Location", "/v1/sessions/"+eng.ID())
		WriteJSON(w, http.StatusCreated, mountResponse{SessionID: eng.ID(), BookingID: eng.BookingID()})
	}
}

func handleSnapshot() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, EngineFrom(r.Context()).Snapshot())
	}
}

func handleUnmount(manager *session.Manager, limiter *session.Limiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng := EngineFrom(r.Context())
		if err := manager.Unmount(eng.ID(), session.ReasonClient); err != nil {
			WriteError(w, err)
			return
		}
		if limiter != nil {
			limiter.Forget(eng.ID())
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleEmission returns the latest emission the sink holds for the session,
// falling back to the engine's own record when the sink has none.
func handleEmission(sink emission.Sink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng := EngineFrom(r.Context())

		if sink != nil {
			em, ok, err := sink.Latest(r.Context(), eng.ID())
			if err != nil {
				WriteError(w, model.NewBackendUnavailableError())
				return
			}
			if ok {
				WriteJSON(w, http.StatusOK, em)
				return
			}
		}
		if em, ok := eng.LastEmission(); ok {
			WriteJSON(w, http.StatusOK, em)
			return
		}
		WriteError(w, model.NewNotFoundError("no emission yet"))
	}
}
