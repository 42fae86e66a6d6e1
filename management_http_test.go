package twincache

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/longbridgeapp/assert"
	"github.com/stretchr/testify/require"
)

type startKey struct{}

func doRequest(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var buf bytes.Buffer

	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp, buf.Bytes()
}

// TestManagementHTTP_Endpoints spins up the management HTTP server on an ephemeral port
// and walks the device property and query cache endpoints.
func TestManagementHTTP_Endpoints(t *testing.T) {
	tc := newTestCache(t, WithManagementHTTP("127.0.0.1:0"))
	svc := &countingService{Service: tc}

	startCtx := context.WithValue(context.Background(), startKey{}, "server start")

	assert.Equal(t, "", tc.ManagementHTTPAddress())
	require.NoError(t, tc.StartManagement(startCtx, svc))
	require.NoError(t, tc.StartManagement(startCtx, svc))

	addr := tc.ManagementHTTPAddress()
	require.True(t, addr != "")

	base := "http://" + addr

	resp, body := doRequest(t, http.MethodGet, base+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = doRequest(t, http.MethodGet, base+"/config", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var cfgBody map[string]any

	require.NoError(t, json.Unmarshal(body, &cfgBody))
	assert.Equal(t, "in-memory", cfgBody["backend"])

	resp, _ = doRequest(t, http.MethodGet, base+"/deviceproperties", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPut, base+"/tenants/acme", map[string]string{"collection": "acme-changes"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPut, base+"/twins/acme/d1", map[string]any{
		"tags": map[string]any{"Building": "B1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doRequest(t, http.MethodPost, base+"/deviceproperties/rebuild?force=true", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var rebuild map[string]bool

	require.NoError(t, json.Unmarshal(body, &rebuild))
	assert.True(t, rebuild["rebuilt"])
	assert.Equal(t, int32(1), svc.rebuilds.Load())
	// handlers run on the request context, not the one the server was started with
	require.True(t, svc.lastContext() != nil)
	assert.True(t, svc.lastContext().Value(startKey{}) == nil)

	resp, _ = doRequest(t, http.MethodPost, base+"/deviceproperties/rebuild?force=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPut, base+"/deviceproperties", map[string]any{"Tags": []string{"Zone"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doRequest(t, http.MethodGet, base+"/deviceproperties", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var names []string

	require.NoError(t, json.Unmarshal(body, &names))
	assert.Equal(t, []string{"Tags.Building", "Tags.Zone", "Properties.Reported.Protocol"}, names)

	resp, _ = doRequest(t, http.MethodPut, base+"/querycache/acme?query=all", map[string]any{"items": []any{}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, base+"/querycache/acme?query=all", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodDelete, base+"/querycache/acme", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, base+"/querycache/acme?query=all", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = doRequest(t, http.MethodGet, base+"/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var statsBody map[string]uint64

	require.NoError(t, json.Unmarshal(body, &statsBody))
	assert.Equal(t, uint64(1), statsBody["hits"])
}

func TestManagementHTTP_Auth(t *testing.T) {
	deny := func(fiber.Ctx) error { return fiber.ErrUnauthorized }
	tc := newTestCache(t, WithManagementHTTP("127.0.0.1:0", WithMgmtAuth(deny)))
	require.NoError(t, tc.StartManagement(context.Background(), nil))

	resp, _ := doRequest(t, http.MethodGet, "http://"+tc.ManagementHTTPAddress()+"/health", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
