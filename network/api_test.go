package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshcoord/crypto"
	"meshcoord/servers"
	"meshcoord/storage"
)

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func adminHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminSecret}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	status, body := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServerDirectoryOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sign := func(action string, ts int64) string {
		return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, servers.SignedMessage(action, "srv-1", ts)))
	}

	status, _ := env.do(t, http.MethodPost, "/servers", serverRegisterRequest{
		ServerID:  "srv-1",
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Endpoint:  "wss://coord.example.net/ws",
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	ts := time.Now().UnixMilli()
	status, _ = env.do(t, http.MethodPost, "/servers/heartbeat", signedRequest{ServerID: "srv-1", Timestamp: ts, Signature: sign(servers.ActionHeartbeat, ts)}, nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := env.do(t, http.MethodPost, "/servers/heartbeat", signedRequest{ServerID: "srv-1", Timestamp: ts, Signature: sign(servers.ActionHeartbeat, ts)}, nil)
	assert.Equal(t, http.StatusConflict, status, "replayed heartbeat")
	assert.Equal(t, "replay", body["error"])

	status, body = env.do(t, http.MethodGet, "/servers", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["servers"], 1)

	ts++
	status, _ = env.do(t, http.MethodDelete, "/servers/srv-1", signedRequest{Timestamp: ts, Signature: sign(servers.ActionHeartbeat, ts)}, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "signature for another action")

	status, _ = env.do(t, http.MethodDelete, "/servers/srv-1", signedRequest{Timestamp: ts, Signature: sign(servers.ActionDelete, ts)}, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = env.do(t, http.MethodGet, "/servers", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["servers"])
}

func TestAttestationOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	regions := make([][]byte, 10)
	for i := range regions {
		regions[i] = []byte(fmt.Sprintf("region-%02d", i))
	}
	status, _ := env.do(t, http.MethodPost, "/attest/upload-reference", uploadReferenceRequest{
		Platform: "ios", Version: "2.0.0", Regions: regions,
	}, adminHeader())
	require.Equal(t, http.StatusCreated, status)

	tok, err := crypto.SignBuildToken(crypto.BuildClaims{
		Version:          "2.0.0",
		Platform:         "ios",
		BuildHash:        "ff00",
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
	}, env.buildPriv)
	require.NoError(t, err)

	status, _ = env.do(t, http.MethodPost, "/attest/register", attestRegisterRequest{DeviceID: "dev-1", BuildToken: tok}, nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := env.do(t, http.MethodPost, "/attest/challenge", attestChallengeRequest{DeviceID: "dev-1"}, nil)
	require.Equal(t, http.StatusOK, status)

	nonce, err := base64.RawURLEncoding.DecodeString(body["nonce"].(string))
	require.NoError(t, err)
	var responses []string
	for _, idx := range body["regions"].([]any) {
		responses = append(responses, crypto.RegionResponse(nonce, regions[int(idx.(float64))]))
	}

	verify := attestVerifyRequest{Nonce: body["nonce"].(string), Responses: responses}
	status, sess := env.do(t, http.MethodPost, "/attest/verify", verify, nil)
	require.Equal(t, http.StatusOK, status)
	_, err = env.attest.VerifySession(sess["token"].(string))
	require.NoError(t, err)

	status, body = env.do(t, http.MethodPost, "/attest/verify", verify, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "replay", body["error"])

	// The journal survives in the store.
	events, err := env.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.EventNonceReplay})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAdminEndpointsRequireSecret(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	req := setVersionRequest{Platform: "android", MinVersion: "1.2.0"}

	status, body := env.do(t, http.MethodPost, "/attest/versions", req, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "auth", body["error"])

	status, _ = env.do(t, http.MethodPost, "/attest/versions", req, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodPost, "/attest/versions", req, adminHeader())
	assert.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodGet, "/admin/security-events?type="+storage.EventAdminAuthFailed, nil, adminHeader())
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["events"], 2)

	status, _ = env.do(t, http.MethodGet, "/admin/security-events?severity=loud", nil, adminHeader())
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSecurityEventSummaryOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for range 2 {
		status, _ := env.do(t, http.MethodGet, "/admin/security-events", nil, nil)
		require.Equal(t, http.StatusUnauthorized, status)
	}

	status, body := env.do(t, http.MethodGet, "/admin/security-events/summary", nil, adminHeader())
	require.Equal(t, http.StatusOK, status)
	summary, ok := body["summary"].([]any)
	require.True(t, ok, "summary is a list")
	require.Len(t, summary, 1)
	row := summary[0].(map[string]any)
	assert.Equal(t, storage.ComponentAdmin, row["component"])
	assert.Equal(t, storage.EventAdminAuthFailed, row["event_type"])
	assert.Equal(t, float64(2), row["count"])

	future := time.Now().Add(time.Hour).UnixMilli()
	status, body = env.do(t, http.MethodGet, fmt.Sprintf("/admin/security-events/summary?since=%d", future), nil, adminHeader())
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["summary"])

	status, body = env.do(t, http.MethodGet, "/admin/security-events?component="+storage.ComponentRelay, nil, adminHeader())
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["events"])

	status, _ = env.do(t, http.MethodGet, "/admin/security-events/summary?since=soon", nil, adminHeader())
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	api := NewAPI(env.relays, env.attest, env.servers, env.store, nil, nil, APIOptions{})

	req, err := http.NewRequest(http.MethodGet, "/admin/security-events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestErrorBodiesAreGeneric(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	status, body := env.do(t, http.MethodPost, "/servers", `{"server_id": "x", "public_key": 12}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "invalid request body", body["message"])

	status, body = env.do(t, http.MethodPost, "/attest/challenge", attestChallengeRequest{DeviceID: "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotContains(t, body["message"], "ghost")

	status, body = env.do(t, http.MethodGet, "/no/such/route", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestBodyLimits(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	huge := `{"device_id":"` + strings.Repeat("a", 2*DefaultSmallBodyLimit) + `"}`

	status, body := env.do(t, http.MethodPost, "/attest/challenge", huge, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "request body too large", body["message"])
}
