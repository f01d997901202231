package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/intake/internal/engine"
	"github.com/pitabwire/intake/internal/observability"
	"github.com/pitabwire/intake/model"
)

// eventRequest is the wire form of a user event. Which fields apply depends
// on Type.
type eventRequest struct {
	Type           string          `json:"type"`
	Key            string          `json:"key,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	IsConfirmation bool            `json:"is_confirmation,omitempty"`
	ItemID         string          `json:"item_id,omitempty"`
	Quantity       *int            `json:"quantity,omitempty"`
	Disabled       *bool           `json:"disabled,omitempty"`
}

type syncRequest struct {
	Changes []model.EquipmentChange `json:"changes"`
	Version uint64                  `json:"version,omitempty"`
}

func required(field string) model.FieldError {
	return model.FieldError{Field: field, Code: "required", Message: field + " is required"}
}

func invalid(field, msg string) error {
	return model.NewValidationError([]model.FieldError{{Field: field, Code: "invalid", Message: msg}})
}

// toEvent converts the request into an engine event.
func (req eventRequest) toEvent() (engine.Event, error) {
	switch req.Type {
	case engine.KindSetValue:
		if req.Key == "" {
			return nil, model.NewValidationError([]model.FieldError{required("key")})
		}
		v, err := req.value()
		if err != nil {
			return nil, err
		}
		return engine.SetValue{Key: req.Key, Value: v, IsConfirmation: req.IsConfirmation}, nil

	case engine.KindSetQuantity:
		var details []model.FieldError
		if req.ItemID == "" {
			details = append(details, required("item_id"))
		}
		if req.Quantity == nil {
			details = append(details, required("quantity"))
		}
		if len(details) > 0 {
			return nil, model.NewValidationError(details)
		}
		return engine.SetQuantity{ItemID: req.ItemID, Quantity: *req.Quantity}, nil

	case engine.KindAcknowledge:
		var ack bool
		if err := json.Unmarshal(req.Value, &ack); err != nil {
			return nil, invalid("value", "acknowledge expects a boolean value")
		}
		return engine.Acknowledge{Value: ack}, nil

	case engine.KindSetTilt:
		v, err := req.value()
		if err != nil {
			return nil, err
		}
		return engine.SetTilt{Value: v}, nil

	case engine.KindTouch:
		if req.Key == "" {
			return nil, model.NewValidationError([]model.FieldError{required("key")})
		}
		return engine.Touch{Key: req.Key}, nil

	case engine.KindSetDisabled:
		if req.Disabled == nil {
			return nil, model.NewValidationError([]model.FieldError{required("disabled")})
		}
		return engine.SetDisabled{Disabled: *req.Disabled}, nil

	case "":
		return nil, model.NewValidationError([]model.FieldError{required("type")})
	default:
		return nil, invalid("type", "unsupported event type "+req.Type)
	}
}

func (req eventRequest) value() (model.Value, error) {
	var v model.Value
	if len(req.Value) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Value, &v); err != nil {
		return v, invalid("value", "value must be null, a string or an array of strings")
	}
	return v, nil
}

func handleEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng := EngineFrom(r.Context())

		var req eventRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}
		ev, err := req.toEvent()
		if err != nil {
			WriteError(w, err)
			return
		}

		if err := dispatch(r, eng, ev); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, eng.Snapshot())
	}
}

func handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng := EngineFrom(r.Context())

		var req syncRequest
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, err)
			return
		}

		ev := engine.ExternalSync{Changes: req.Changes, Version: req.Version}
		if err := dispatch(r, eng, ev); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, eng.Snapshot())
	}
}

func dispatch(r *http.Request, eng *engine.Engine, ev engine.Event) error {
	ctx, span := observability.StartSpan(r.Context(), "session.dispatch",
		observability.AttrSessionID.String(eng.ID()),
		observability.AttrEventKind.String(ev.Kind()),
	)
	err := eng.DispatchContext(ctx, ev)
	observability.EndSpanWithError(span, err)
	return err
}
