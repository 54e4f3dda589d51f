package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ronanzhan/servicecomb-saga/internal/callback"
	"github.com/ronanzhan/servicecomb-saga/internal/ingest"
	commonerrors "github.com/ronanzhan/servicecomb-saga/pkg/errors"
	"github.com/ronanzhan/servicecomb-saga/pkg/response"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
	"github.com/ronanzhan/servicecomb-saga/pkg/validate"
)

type eventResponse struct {
	Event     saga.Event `json:"event"`
	Duplicate bool       `json:"duplicate"`
}

type registerOmegaRequest struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
	Address     string `json:"address"`
}

// postEvent answers 201 for a new event and 200 when the log already had it.
func (h *handler) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isRequestTooLarge(err) {
			response.WriteErrorCode(w, r, commonerrors.CodeRequestTooLarge, "")
			return
		}
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request")
		return
	}

	e, err := ingest.Decode(body)
	if err != nil {
		response.WriteErr(w, r, err)
		return
	}
	res, err := h.ingestor.Ingest(r.Context(), e)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	response.WriteJSON(w, status, eventResponse{Event: res.Event, Duplicate: res.Duplicate})
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if err := validate.Identifier("sagaId", sagaID); err != nil {
		response.WriteErr(w, r, err)
		return
	}

	var t saga.EventType
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		parsed, err := saga.ParseEventType(raw)
		if err != nil {
			response.WriteErr(w, r, err)
			return
		}
		t = parsed
	}

	events, err := h.events.FindEvents(r.Context(), sagaID, t)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(events) == 0 {
		response.WriteErrorCode(w, r, commonerrors.CodeSagaNotFound, "saga not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, events)
}

// listCommands returns the commands of the saga that are still pending.
func (h *handler) listCommands(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")
	if err := validate.Identifier("sagaId", sagaID); err != nil {
		response.WriteErr(w, r, err)
		return
	}

	cmds, err := h.commands.FindIncomplete(r.Context(), sagaID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cmds == nil {
		cmds = []saga.Command{}
	}
	response.WriteJSON(w, http.StatusOK, cmds)
}

func (h *handler) registerOmega(w http.ResponseWriter, r *http.Request) {
	var req registerOmegaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isRequestTooLarge(err) {
			response.WriteErrorCode(w, r, commonerrors.CodeRequestTooLarge, "")
			return
		}
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request")
		return
	}

	v := validate.New().
		ServiceName("serviceName", req.ServiceName).
		Identifier("instanceId", req.InstanceID).
		Check("address", validate.CallbackAddress(req.Address))
	if fe := v.FirstError(); fe != nil {
		response.WriteErrorCode(w, r, fe.Code, fe.Message)
		return
	}

	o := callback.Omega{
		ServiceName: strings.TrimSpace(req.ServiceName),
		InstanceID:  strings.TrimSpace(req.InstanceID),
		Address:     strings.TrimRight(strings.TrimSpace(req.Address), "/"),
	}
	if err := h.registry.Register(r.Context(), o); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithContext(r.Context()).Infof("omega registered", map[string]interface{}{
		"service":  o.ServiceName,
		"instance": o.InstanceID,
		"address":  o.Address,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deregisterOmega(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	instance := chi.URLParam(r, "instance")
	if fe := validate.New().ServiceName("service", service).Identifier("instance", instance).FirstError(); fe != nil {
		response.WriteErrorCode(w, r, fe.Code, fe.Message)
		return
	}

	if err := h.registry.Deregister(r.Context(), service, instance); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError keeps coded errors and hides storage details behind INTERNAL.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *commonerrors.Error
	if !errors.As(err, &ce) {
		h.log.WithContext(r.Context()).WithError(err).Errorf("request failed", map[string]interface{}{
			"path": r.URL.Path,
		})
	}
	response.WriteErr(w, r, err)
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
