package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signIngestToken(t *testing.T, secret string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"sub": "cron-bridge",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (e *testEnv) doIngest(t *testing.T, auth, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/external/datapoints", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec.Result()
}

func TestIngestDatapoint_EnqueuesAndSchedulesSync(t *testing.T) {
	env := newTestEnv(t)
	token := signIngestToken(t, "test-secret", jwt.SigningMethodHS256)

	resp := env.doIngest(t, "Bearer "+token, `{"goal_slug":"PushUps","value":25}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, env.triggers)

	items, err := env.store.AllPending(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pushups", items[0].GoalSlug)
	assert.Zero(t, items[0].AttemptCount, "ingest enqueues without attempting delivery")
	assert.Empty(t, env.remote.requests)
}

func TestIngestDatapoint_RejectsMissingToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.doIngest(t, "", `{"goal_slug":"pushups","value":25}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	count, _ := env.store.PendingCount(context.Background())
	assert.Zero(t, count)
}

func TestIngestDatapoint_RejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t)
	token := signIngestToken(t, "wrong-secret", jwt.SigningMethodHS256)

	resp := env.doIngest(t, "Bearer "+token, `{"goal_slug":"pushups","value":25}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestDatapoint_RejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "cron-bridge",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	resp := env.doIngest(t, "Bearer "+signed, `{"goal_slug":"pushups","value":25}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestDatapoint_RejectsUnsignedAlgorithm(t *testing.T) {
	env := newTestEnv(t)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "cron-bridge",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	resp := env.doIngest(t, "Bearer "+signed, `{"goal_slug":"pushups","value":25}`)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIngestDatapoint_ValidatesBody(t *testing.T) {
	env := newTestEnv(t)
	token := signIngestToken(t, "test-secret", jwt.SigningMethodHS256)

	resp := env.doIngest(t, "Bearer "+token, `{"value":25}`)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
