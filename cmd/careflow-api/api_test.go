package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukex/careflow/pkg/cmd"
	"github.com/dukex/careflow/pkg/config"
	"github.com/dukex/careflow/pkg/log"
	"github.com/dukex/careflow/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	rt, err := cmd.NewRuntime(context.Background(), log.Discard(), cmd.Options{
		ServiceName: "careflow-api-test",
		Config:      config.Default(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	return NewAPI(log.Discard(), rt, "secret").App()
}

func TestAPI_Root(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Careflow API", string(body))
}

func TestAPI_Probes(t *testing.T) {
	app := setupTestApp(t)

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAPI_TriggerWithoutWorkflows(t *testing.T) {
	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/triggers",
		strings.NewReader(`{"event_type":"surgery_completed","patient":{"id":"patient-1"}}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out web.TriggerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Zero(t, out.Triggered)
}
