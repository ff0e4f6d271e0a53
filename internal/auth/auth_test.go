package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	s := NewSigner("secret", "kiosk", time.Minute, time.Hour)
	pair, err := s.Issue("gate-a", RoleKiosk)
	require.NoError(t, err)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := s.Parse(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "gate-a", claims.Subject)
	assert.Equal(t, RoleKiosk, claims.Role)
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("secret", "kiosk", time.Minute, time.Hour)
	pair, err := s.Issue("gate-a", RoleKiosk)
	require.NoError(t, err)

	other := NewSigner("other", "kiosk", time.Minute, time.Hour)
	_, err = other.Parse(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := NewSigner("secret", "elsewhere", time.Minute, time.Hour)
	_, err = wrongIssuer.Parse(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	later := NewSigner("secret", "kiosk", time.Minute, time.Hour)
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = later.Parse(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken, "expired")
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewSigner("secret", "kiosk", time.Minute, time.Hour)
	r := gin.New()
	r.GET("/admin", Require(s, RoleAdmin), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, claims.Subject)
	})

	kiosk, err := s.Issue("gate-a", RoleKiosk)
	require.NoError(t, err)
	admin, err := s.Issue("office", RoleAdmin)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer " + kiosk.AccessToken, http.StatusForbidden},
		{"admin", "bearer " + admin.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
