package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/database"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnvironment struct {
	handler   http.Handler
	directory *directory.Service
	tokens    *auth.TokenIssuer
	realtime  *RealtimeDispatcher
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	return newTestEnvironmentWithContext(t, context.Background())
}

// newTestEnvironmentWithContext builds a handler whose signaling connections end with ctx.
func newTestEnvironmentWithContext(t *testing.T, ctx context.Context) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "intercom.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	realtime := NewRealtimeDispatcher()
	service, err := directory.NewService(directory.ServiceConfig{
		Database:   db,
		Logger:     zap.NewNop(),
		Notifier:   realtime,
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("failed to create directory service: %v", err)
	}
	if err := service.EnsureInvariants(context.Background()); err != nil {
		t.Fatalf("failed to ensure invariants: %v", err)
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "intercom-auth",
		Audience:      "intercom-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Context:      ctx,
		TokenManager: tokens,
		Directory:    service,
		Realtime:     realtime,
		Signaling:    SignalingConfig{MediaTimeout: 2 * time.Second, DuckDB: -14},
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testEnvironment{handler: handler, directory: service, tokens: tokens, realtime: realtime}
}

func (e *testEnvironment) mustCreateUser(t *testing.T, name string) directory.User {
	t.Helper()
	user, err := e.directory.CreateUser(context.Background(), name, "secret-"+name)
	if err != nil {
		t.Fatalf("create user %s failed: %v", name, err)
	}
	return user
}

func (e *testEnvironment) tokenFor(t *testing.T, principal auth.Principal) string {
	t.Helper()
	token, _, err := e.tokens.IssuePrincipalToken(context.Background(), principal)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	return token
}

func (e *testEnvironment) userToken(t *testing.T, user directory.User) string {
	t.Helper()
	return e.tokenFor(t, auth.Principal{Key: userKey(user.ID), Name: user.Name})
}

func (e *testEnvironment) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response failed: %v (body %s)", err, recorder.Body.String())
	}
}

func payloadKeys(targets []targetPayload) []string {
	keys := make([]string, 0, len(targets))
	for _, target := range targets {
		keys = append(keys, target.Key)
	}
	return keys
}
