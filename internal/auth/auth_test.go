package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/eduface/attendance/internal/models"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("eduface", "secret", 15*time.Minute, 24*time.Hour)

	pair, err := iss.Issue("t-1", models.RoleTeacher)
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)
	require.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := iss.ParseAccess(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "t-1", claims.Subject)
	require.Equal(t, models.RoleTeacher, claims.Role)
	require.Equal(t, TypeAccess, claims.Type)

	refresh, err := iss.ParseRefresh(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "t-1", refresh.Subject)
	require.Equal(t, TypeRefresh, refresh.Type)
}

func TestParse_TokenTypes(t *testing.T) {
	iss := NewIssuer("eduface", "secret", time.Minute, time.Hour)
	pair, err := iss.Issue("s-1", models.RoleStudent)
	require.NoError(t, err)

	_, err = iss.ParseAccess(pair.RefreshToken)
	require.ErrorIs(t, err, ErrWrongTokenType)

	_, err = iss.ParseRefresh(pair.AccessToken)
	require.ErrorIs(t, err, ErrWrongTokenType)
}

func TestParse_Rejects(t *testing.T) {
	iss := NewIssuer("eduface", "secret", time.Minute, time.Hour)
	pair, err := iss.Issue("s-1", models.RoleStudent)
	require.NoError(t, err)

	t.Run("wrong key", func(t *testing.T) {
		_, err := NewIssuer("eduface", "other", time.Minute, time.Hour).Parse(pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := NewIssuer("someone-else", "secret", time.Minute, time.Hour).Parse(pair.AccessToken)
		require.ErrorIs(t, err, ErrIssuerMismatch)
	})

	t.Run("expired", func(t *testing.T) {
		later := NewIssuer("eduface", "secret", time.Minute, time.Hour)
		later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err := later.Parse(pair.AccessToken)
		require.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := iss.Parse("not-a-token")
		require.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	iss := NewIssuer("eduface", "secret", time.Minute, time.Hour)

	r := gin.New()
	r.GET("/teacher", Authenticate(iss), RequireRole(models.RoleTeacher), func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/teacher", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusUnauthorized, do("").Code)
	require.Equal(t, http.StatusUnauthorized, do("bogus").Code)

	student, err := iss.Issue("s-1", models.RoleStudent)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, do(student.AccessToken).Code)

	teacher, err := iss.Issue("t-1", models.RoleTeacher)
	require.NoError(t, err)
	w := do(teacher.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "t-1", w.Body.String())

	require.Equal(t, http.StatusUnauthorized, do(teacher.RefreshToken).Code)
}
