package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/guardians"
)

// HaltLister — список остановленных аккаунтов этого инстанса.
type HaltLister interface {
	Halted() []string
}

type GuardiansHandler struct {
	service *guardians.Service
	halts   HaltLister
}

func NewGuardiansHandler(s *guardians.Service, halts HaltLister) *GuardiansHandler {
	return &GuardiansHandler{service: s, halts: halts}
}

type configResponse struct {
	Config       domain.GuardiansConfig `json:"config"`
	ActivePreset string                 `json:"active_preset"`
}

type stateResponse struct {
	State               domain.GuardiansState `json:"state"`
	CooldownRemainingMs int64                 `json:"cooldown_remaining_ms"`
	InFlight            int                   `json:"in_flight"`
}

type presetItem struct {
	Name   string                 `json:"name"`
	Config domain.GuardiansConfig `json:"config"`
}

type presetRequest struct {
	Name string `json:"name"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type drawdownRequest struct {
	Pct float64 `json:"pct"`
}

func (h *GuardiansHandler) writeConfig(w http.ResponseWriter, r *http.Request, cfg domain.GuardiansConfig) {
	writeJSON(w, http.StatusOK, configResponse{Config: cfg, ActivePreset: h.service.Catalog().Match(cfg)})
}

func (h *GuardiansHandler) writeState(w http.ResponseWriter, r *http.Request, key guardians.Key) {
	st, err := h.service.State(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cd, err := h.service.CooldownRemaining(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		State:               st,
		CooldownRemainingMs: cd.Milliseconds(),
		InFlight:            h.service.InFlight(key),
	})
}

// GetConfig — GET /v1/guardians/config
func (h *GuardiansHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.Config(r.Context(), keyFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeConfig(w, r, cfg)
}

// GetState — GET /v1/guardians/state (счётчики с учётом смены суток)
func (h *GuardiansHandler) GetState(w http.ResponseWriter, r *http.Request) {
	h.writeState(w, r, keyFrom(r))
}

// ListPresets — GET /v1/guardians/presets
func (h *GuardiansHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	catalog := h.service.Catalog()
	names := catalog.Names()
	out := make([]presetItem, 0, len(names))
	for _, name := range names {
		out = append(out, presetItem{Name: name, Config: catalog.MustGet(name)})
	}
	writeJSON(w, http.StatusOK, out)
}

// ApplyPreset — POST /v1/guardians/preset {name}. Счётчики не сбрасываются.
func (h *GuardiansHandler) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.service.ApplyPreset(r.Context(), keyFrom(r), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeConfig(w, r, cfg)
}

func guardianParam(r *http.Request) (domain.GuardianType, error) {
	return domain.ParseGuardianType(chi.URLParam(r, "type"))
}

// Toggle — POST /v1/guardians/{type}/toggle {enabled}
func (h *GuardiansHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	g, err := guardianParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "enabled is required"})
		return
	}
	cfg, err := h.service.ToggleGuardian(r.Context(), keyFrom(r), g, *req.Enabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeConfig(w, r, cfg)
}

// Patch — PATCH /v1/guardians/{type}: частичное обновление полей одного гардиана.
func (h *GuardiansHandler) Patch(w http.ResponseWriter, r *http.Request) {
	g, err := guardianParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cfg, err := h.service.PatchGuardian(r.Context(), keyFrom(r), g, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeConfig(w, r, cfg)
}

// SimulateDrawdown — POST /v1/guardians/simulate/drawdown
func (h *GuardiansHandler) SimulateDrawdown(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	if _, err := h.service.SimulateDrawdownBreach(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, key)
}

// ReportDrawdown — POST /v1/guardians/drawdown {pct}: фактическая просадка от внешнего учёта.
func (h *GuardiansHandler) ReportDrawdown(w http.ResponseWriter, r *http.Request) {
	var req drawdownRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	key := keyFrom(r)
	if _, err := h.service.ReportDrawdown(r.Context(), key, req.Pct); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, key)
}

// SimulateOutsideHours — POST /v1/guardians/simulate/outside-hours {enabled}
func (h *GuardiansHandler) SimulateOutsideHours(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "enabled is required"})
		return
	}
	cfg, err := h.service.SimulateOutsideHours(r.Context(), keyFrom(r), *req.Enabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeConfig(w, r, cfg)
}

// Resume — POST /v1/guardians/resume
func (h *GuardiansHandler) Resume(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	if _, err := h.service.ResumeTrading(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, key)
}

// Reset — POST /v1/guardians/reset: обнуляет счётчики, конфиг не трогает.
func (h *GuardiansHandler) Reset(w http.ResponseWriter, r *http.Request) {
	key := keyFrom(r)
	if _, err := h.service.ResetState(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeState(w, r, key)
}

// Halted — GET /v1/guardians/halted
func (h *GuardiansHandler) Halted(w http.ResponseWriter, r *http.Request) {
	halted := []string{}
	if h.halts != nil {
		halted = h.halts.Halted()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"halted": halted})
}
