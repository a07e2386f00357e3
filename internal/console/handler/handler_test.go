package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/guardian-gateway/internal/audit"
	"github.com/xela07ax/guardian-gateway/internal/domain"
	"github.com/xela07ax/guardian-gateway/internal/infra/auth"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrUnknownPreset), http.StatusBadRequest},
		{domain.ErrUnknownGuardian, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("save: %w", domain.ErrConflict), http.StatusConflict},
		{domain.ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("list: %w", domain.ErrTransport), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestParseFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/v1/audit?status=denied,confirmed&status=failed&type=SPOT_BUY&source=local&q=0xab&from=2026-03-01T00:00:00Z&to=1772409600000&limit=20&offset=40&org=other", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &domain.CustomClaims{OrgID: "acme", AccountID: "desk-1"}))

	f, err := parseFilter(req)
	require.NoError(t, err)
	assert.Equal(t, []audit.Status{audit.StatusDenied, audit.StatusConfirmed, audit.StatusFailed}, f.Statuses)
	assert.Equal(t, []domain.ActionKind{domain.KindSpotBuy}, f.ActionTypes)
	assert.Equal(t, []audit.Source{audit.SourceLocal}, f.Sources)
	assert.Equal(t, "0xab", f.Search)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.UnixMilli(1772409600000).UTC(), f.To)
	assert.Equal(t, 20, f.Limit)
	assert.Equal(t, 40, f.Offset)
	// без admin параметр org игнорируется
	assert.Equal(t, "acme", f.Org)
	assert.Equal(t, "desk-1", f.Account)
}

func TestParseFilterAdminAndAnonymous(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/audit?org=other", nil)
	admin := req.WithContext(auth.WithClaims(req.Context(), &domain.CustomClaims{
		OrgID: "acme", AccountID: "desk-1", Scopes: map[string]bool{domain.ScopeAdmin: true},
	}))
	f, err := parseFilter(admin)
	require.NoError(t, err)
	assert.Equal(t, "other", f.Org)
	assert.Empty(t, f.Account)

	f, err = parseFilter(req)
	require.NoError(t, err)
	assert.Empty(t, f.Org)
	assert.Equal(t, "anonymous", f.Account)

	_, err = parseFilter(httptest.NewRequest(http.MethodGet, "/v1/audit?offset=x", nil))
	require.ErrorIs(t, err, domain.ErrValidation)
}
