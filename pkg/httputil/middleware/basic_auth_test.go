package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/topicstore/pkg/httputil"
	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// usersSection mirrors the server.basicAuth list of the config file.
func usersSection(t *testing.T, section []map[string]any) map[string]string {
	t.Helper()
	var users []struct {
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
	}
	require.NoError(t, mapstructure.Decode(section, &users))
	creds := make(map[string]string, len(users))
	for _, u := range users {
		creds[u.Username] = u.Password
	}
	return creds
}

func TestVerifyBasicAuthConfiguredUsers(t *testing.T) {
	creds := usersSection(t, []map[string]any{
		{"username": "Alice", "password": "s3cret"},
		{"username": "ops", "password": "a:b:c"},
	})
	guard := VerifyBasicAuth(BasicAuthCreds(creds))

	tests := []struct {
		name     string
		user     string
		password string
		raw      string
		wantUser string
		wantMsg  string
	}{
		{name: "first user", user: "Alice", password: "s3cret", wantUser: "Alice"},
		{name: "password containing colons", user: "ops", password: "a:b:c", wantUser: "ops"},
		{name: "usernames keep their case", user: "alice", password: "s3cret", wantMsg: "invalid credentials"},
		{name: "password of another user", user: "ops", password: "s3cret", wantMsg: "invalid credentials"},
		{name: "no header", wantMsg: "missing or malformed basic auth credentials"},
		{name: "token instead of credentials", raw: "Bearer eyJhbGciOi", wantMsg: "missing or malformed basic auth credentials"},
		{name: "garbled encoding", raw: "Basic %%%", wantMsg: "missing or malformed basic auth credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUser string
			h := guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = httputil.BasicAuthUser(r)
				httputil.JSON(w, http.StatusOK, []string{})
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/v1/commands/list_sessions", nil)
			switch {
			case tt.raw != "":
				req.Header.Set("Authorization", tt.raw)
			case tt.user != "":
				req.SetBasicAuth(tt.user, tt.password)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantUser, gotUser)
			if tt.wantMsg == "" {
				assert.Equal(t, http.StatusOK, rr.Code)
				assert.Empty(t, rr.Header().Get("WWW-Authenticate"))
				return
			}
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, `Basic realm="topicstore"`, rr.Header().Get("WWW-Authenticate"))
			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, "Unauthorized", body.ErrorType)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}

func TestVerifyBasicAuthWithoutUsers(t *testing.T) {
	h := VerifyBasicAuth(BasicAuthCreds(usersSection(t, nil)))(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	req.SetBasicAuth("", "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
