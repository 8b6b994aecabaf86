package httpapi

import (
	"encoding/json"
	"net/http"

	"weave/internal/admin"
	"weave/internal/chatmodel"
)

// AdminHandlers exposes the Admin Control Plane (§4.N) over HTTP. Every
// method re-checks admin.ErrNotAdmin from the control plane itself; the
// handlers only translate that into a 403.
type AdminHandlers struct {
	Control *admin.ControlPlane
}

func NewAdminHandlers(c *admin.ControlPlane) *AdminHandlers {
	return &AdminHandlers{Control: c}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	if err == admin.ErrNotAdmin {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *AdminHandlers) RoleModelAssignments(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		out, err := h.Control.GetRoleModelAssignments(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body admin.RoleModelAssignment
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := h.Control.SetRoleModelAssignments(r.Context(), caller, body); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandlers) RoutingThresholds(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		out, err := h.Control.GetRoutingThresholds(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPut:
		var body admin.RoutingThresholds
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := h.Control.SetRoutingThresholds(r.Context(), caller, body); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandlers) AllowedDomains(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	switch r.Method {
	case http.MethodGet:
		out, err := h.Control.ListAllowedDomains(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var body struct {
			Domain string `json:"domain"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := h.Control.AddAllowedDomain(r.Context(), caller, body.Domain); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		domain := r.URL.Query().Get("domain")
		if err := h.Control.RemoveAllowedDomain(r.Context(), caller, domain); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandlers) PendingAccessRequests(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	out, err := h.Control.ListPendingAccessRequests(r.Context(), caller)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandlers) DecideAccessRequest(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var body struct {
		RequestID string `json:"requestId"`
		Approve   bool   `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.Control.DecideAccessRequest(r.Context(), caller, body.RequestID, body.Approve); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) PromptTemplates(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	switch r.Method {
	case http.MethodPut:
		var body chatmodel.PromptTemplate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		saved, err := h.Control.UpsertPromptTemplate(r.Context(), caller, body)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if err := h.Control.DeletePromptTemplate(r.Context(), caller, id); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandlers) AssignUserTemplate(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var body struct {
		UserID     string `json:"userId"`
		TemplateID string `json:"templateId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.Control.AssignUserTemplate(r.Context(), caller, body.UserID, body.TemplateID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
