package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kirillkom/rag-gateway/internal/core/domain"
)

var validate = validator.New()

type registerServerRequest struct {
	URL  string `json:"url" validate:"required,url"`
	Kind string `json:"kind" validate:"required"`
}

type registerServerResponse struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type unregisterServerRequest struct {
	ServerID string `json:"server_id" validate:"required"`
}

type serverView struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Health    string `json:"health"`
	LastProbe string `json:"last_probe,omitempty"`
}

// decodeAndValidate reports every failed field in one message.
func decodeAndValidate(r *http.Request, dst any) error {
	const op = "decode admin request"
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidInput(op, fmt.Errorf("invalid json: %w", err))
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return invalidInput(op, errors.New(strings.Join(msgs, "; ")))
		}
		return invalidInput(op, err)
	}
	return nil
}

func (rt *Router) registerServer(w http.ResponseWriter, r *http.Request) {
	var req registerServerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		logAdminError(r, "register", err)
		writeDomainError(w, r, err)
		return
	}
	role, err := domain.ParseRole(req.Kind)
	if err != nil {
		logAdminError(r, "register", err)
		writeDomainError(w, r, err)
		return
	}

	server, err := rt.admin.Register(r.Context(), role, req.URL)
	if err != nil {
		logAdminError(r, "register", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerServerResponse{
		ID:   server.ID,
		URL:  server.URL,
		Kind: string(server.Role),
	})
}

func (rt *Router) unregisterServer(w http.ResponseWriter, r *http.Request) {
	var req unregisterServerRequest
	if err := decodeAndValidate(r, &req); err != nil {
		logAdminError(r, "unregister", err)
		writeDomainError(w, r, err)
		return
	}

	server, err := rt.admin.Deregister(r.Context(), strings.TrimSpace(req.ServerID))
	if err != nil {
		logAdminError(r, "unregister", err)
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Unregistered %s server %s", server.Role, server.ID),
	})
}

// listServers groups servers by role name; roles without servers are omitted.
func (rt *Router) listServers(w http.ResponseWriter, r *http.Request) {
	snapshot := rt.admin.List(r.Context())
	out := make(map[string][]serverView, len(snapshot))
	for _, role := range domain.Roles {
		servers := snapshot[role]
		if len(servers) == 0 {
			continue
		}
		views := make([]serverView, 0, len(servers))
		for _, s := range servers {
			view := serverView{ID: s.ID, URL: s.URL, Health: string(s.Health)}
			if !s.LastProbe.IsZero() {
				view.LastProbe = s.LastProbe.UTC().Format(time.RFC3339)
			}
			views = append(views, view)
		}
		out[string(role)] = views
	}
	writeJSON(w, http.StatusOK, out)
}
