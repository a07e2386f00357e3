package handler

import (
	"net/http"

	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/engine"
)

type ActionsHandler struct {
	ctrl *engine.Controller
}

func NewActionsHandler(c *engine.Controller) *ActionsHandler {
	return &ActionsHandler{ctrl: c}
}

func decodeIntent(r *http.Request) (domain.ActionIntent, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return domain.UnmarshalIntent(body)
}

// Submit — POST /v1/actions/submit. Отвечает после терминальной стадии подписанта.
// Отказ (локальный или удалённый) отдаётся как 200 с success=false, не как ошибка запроса.
func (h *ActionsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	intent, err := decodeIntent(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.ctrl.Submit(r.Context(), keyFrom(r), intent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Check — POST /v1/actions/check: dry-run локальных гардианов.
func (h *ActionsHandler) Check(w http.ResponseWriter, r *http.Request) {
	intent, err := decodeIntent(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.ctrl.Evaluate(r.Context(), keyFrom(r), intent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// TestDenial — POST /v1/guardians/{type}/test
func (h *ActionsHandler) TestDenial(w http.ResponseWriter, r *http.Request) {
	g, err := guardianParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.ctrl.TestDenial(r.Context(), keyFrom(r), g)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Accounts — GET /v1/signer/accounts
func (h *ActionsHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.ctrl.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}
