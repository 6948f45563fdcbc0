package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian/internal/engine"
	"guardian/internal/middleware"
	"guardian/internal/models"
	"guardian/internal/repository"
)

func newTestRouter(t *testing.T, secret []byte) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	profiles := repository.NewMemoryProfileRepository()
	require.NoError(t, profiles.Create(context.Background(), &models.SubjectProfile{SubjectID: "s-1", GuardianID: "g-1"}))
	eng := engine.New(repository.NewMemoryEventStore(), profiles, nil, nil, engine.Options{ResetOnUnlock: true}, zap.NewNop())

	events := NewEventHandler(eng, zap.NewNop())
	snapshots := NewSnapshotHandler(eng, zap.NewNop())

	r := gin.New()
	r.Use(middleware.AuthMiddleware(secret, zap.NewNop()))
	r.POST("/events", events.IngestEvent)
	r.GET("/snapshot/:subjectId", snapshots.GetSnapshot)
	r.POST("/unlock/:subjectId", snapshots.Unlock)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func eventBody(severity, dedupKey string) gin.H {
	return gin.H{
		"subjectId":   "s-1",
		"sourceApp":   "WhatsApp",
		"category":    "threat",
		"severity":    severity,
		"insultScore": 0.2,
		"threatScore": 0.9,
		"timestamp":   "2026-03-01T12:00:00Z",
		"dedupKey":    dedupKey,
	}
}

func TestIngestEvent(t *testing.T) {
	r := newTestRouter(t, nil)

	w := do(t, r, http.MethodPost, "/events", eventBody("High", "k-1"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	assert.NotEmpty(t, first["eventId"])
	assert.Equal(t, "High", first["severity"])
	assert.Equal(t, float64(50), first["safetyPercentage"])
	assert.Equal(t, "Active", first["accessState"])

	w = do(t, r, http.MethodPost, "/events", eventBody("High", "k-1"), "")
	require.Equal(t, http.StatusConflict, w.Code)
	dup := decode(t, w)
	assert.Equal(t, first["eventId"], dup["eventId"])
	assert.Equal(t, true, dup["duplicate"])

	w = do(t, r, http.MethodPost, "/events", eventBody("High", "k-2"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Blocked", decode(t, w)["accessState"])
}

func TestIngestEventRejectsBadInput(t *testing.T) {
	r := newTestRouter(t, nil)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"bad severity", eventBody("Critical", ""), http.StatusBadRequest},
		{"missing scores", gin.H{"subjectId": "s-1", "sourceApp": "WhatsApp"}, http.StatusBadRequest},
		{"score out of range", func() gin.H { b := eventBody("Low", ""); b["threatScore"] = 3; return b }(), http.StatusBadRequest},
		{"unknown subject", func() gin.H { b := eventBody("Low", ""); b["subjectId"] = "nobody"; return b }(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/events", tt.body, "")
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestGetSnapshot(t *testing.T) {
	r := newTestRouter(t, nil)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/events", eventBody("Medium", ""), "").Code)

	w := do(t, r, http.MethodGet, "/snapshot/s-1?role=guardian&requesterId=g-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode(t, w)
	assert.Equal(t, float64(95), snap["safetyPercentage"])
	assert.Equal(t, "Active", snap["accessState"])
	perApp := snap["perAppPercentage"].(map[string]any)
	assert.Equal(t, float64(95), perApp["WhatsApp"])
	assert.Equal(t, float64(100), perApp["Other"])
	events := snap["events"].([]any)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], "eventId")

	w = do(t, r, http.MethodGet, "/snapshot/s-1?role=student&requesterId=s-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	studentEvents := decode(t, w)["events"].([]any)
	require.Len(t, studentEvents, 1)
	assert.Equal(t, map[string]any{"category": "threat", "severity": "Medium", "timestamp": "2026-03-01T12:00:00Z"}, studentEvents[0])

	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/snapshot/s-1?role=guardian&requesterId=g-2", nil, "").Code)
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/snapshot/s-1?role=student&requesterId=s-9", nil, "").Code)
	// unknown subjects are denied like foreign ones
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/snapshot/nobody?role=guardian&requesterId=g-1", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/snapshot/s-1?role=admin&requesterId=g-1", nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/snapshot/s-1?role=guardian&requesterId=g-1&limit=x", nil, "").Code)
}

func TestUnlock(t *testing.T) {
	r := newTestRouter(t, nil)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/events", eventBody("High", ""), "").Code)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/events", eventBody("High", ""), "").Code)

	w := do(t, r, http.MethodPost, "/unlock/s-1?guardianId=g-2", nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, r, http.MethodPost, "/unlock/s-1?guardianId=g-1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"ok": true, "accessState": "Active"}, decode(t, w))

	// idempotent
	w = do(t, r, http.MethodPost, "/unlock/s-1?guardianId=g-1", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodPost, "/unlock/nobody?guardianId=g-1", nil, "").Code)
}

func token(t *testing.T, secret []byte, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, models.Claims{
		Role:             role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestIdentityFromClaims(t *testing.T) {
	secret := []byte("secret")
	r := newTestRouter(t, secret)
	student := token(t, secret, "s-1", models.RoleStudent)
	guardian := token(t, secret, "g-1", models.RoleGuardian)
	stranger := token(t, secret, "g-2", models.RoleGuardian)

	assert.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/events", eventBody("Low", ""), student).Code)
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodPost, "/events", eventBody("Low", ""), guardian).Code)

	// identity comes from the token when the query omits it
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/snapshot/s-1", nil, guardian).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/snapshot/s-1", nil, student).Code)
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/snapshot/s-1", nil, stranger).Code)

	// query identity must agree with the token
	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodGet, "/snapshot/s-1?role=guardian&requesterId=g-1", nil, stranger).Code)

	assert.Equal(t, http.StatusForbidden, do(t, r, http.MethodPost, "/unlock/s-1", nil, student).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/unlock/s-1", nil, guardian).Code)
}
