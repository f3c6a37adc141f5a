package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/storage"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := New("secret", "gradebox")
	require.NoError(t, err)
	return a
}

func TestSignAndVerify(t *testing.T) {
	a := newAuth(t)

	token, err := a.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "juan", claims.Username)
	assert.Equal(t, storage.RoleStudent, claims.Type)
	assert.Equal(t, "juan (student)", claims.String())
}

func TestVerifyRejects(t *testing.T) {
	a := newAuth(t)
	other, err := New("other-secret", "gradebox")
	require.NoError(t, err)
	wrongIssuer, err := New("secret", "someone-else")
	require.NoError(t, err)

	good, err := a.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)
	forged, err := other.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)
	foreign, err := wrongIssuer.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)
	expired, err := a.Sign("juan", storage.RoleStudent, -time.Minute)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:         "juan",
		Type:             storage.RoleStudent,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "gradebox", Subject: "admin"},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:         "juan",
		Type:             "admin",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "gradebox", Subject: Subject},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"empty":       "",
		"garbage":     "not.a.token",
		"wrong key":   forged,
		"wrong iss":   foreign,
		"expired":     expired,
		"bad subject": badSubject,
		"bad role":    badRole,
		"truncated":   good[:len(good)-4],
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(token)
			require.Error(t, err)
			assert.Equal(t, errs.KindTransport, errs.KindOf(err))
			assert.Equal(t, MsgInvalidToken, errs.Message(err, ""))
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New("", "gradebox")
	assert.Error(t, err)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/terminal?token=q", nil)
	assert.Equal(t, "q", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", TokenFromRequest(r))

	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestMiddleware(t *testing.T) {
	a := newAuth(t)
	student, err := a.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)
	teacher, err := a.Sign("ms.tan", storage.RoleTeacher, time.Hour)
	require.NoError(t, err)

	var seen *Claims
	h := a.Middleware(func(w http.ResponseWriter, status int, msg string) {
		http.Error(w, msg, status)
	}, storage.RoleStudent)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"student allowed", student, http.StatusOK},
		{"teacher forbidden", teacher, http.StatusForbidden},
		{"missing token", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodPost, "/quiz/ABC123/0", nil)
			if tt.token != "" {
				r.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "juan", seen.Username)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}
