package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/open", func(c *gin.Context) {
		a, ok := GetActor(c)
		c.JSON(http.StatusOK, gin.H{"ok": ok, "id": a.ID, "role": a.Role, "verified": a.Verified})
	})
	r.GET("/private", RequireAuth(), func(c *gin.Context) {
		a, _ := ActorFrom(c.Request.Context())
		c.String(http.StatusOK, a.ID)
	})
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func do(r *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_Anonymous(t *testing.T) {
	r := setupRouter()
	assert.Equal(t, http.StatusOK, do(r, "/open", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/private", nil).Code)
}

func TestMiddleware_DefaultsToUser(t *testing.T) {
	r := setupRouter()
	w := do(r, "/open", map[string]string{HeaderActorID: "alice", HeaderActorVerified: "true"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"id":"alice","role":"user","verified":true}`, w.Body.String())

	w = do(r, "/private", map[string]string{HeaderActorID: "alice"})
	assert.Equal(t, "alice", w.Body.String())
}

func TestMiddleware_RejectsSystemAndUnknownRoles(t *testing.T) {
	r := setupRouter()
	assert.Equal(t, http.StatusUnauthorized, do(r, "/open", map[string]string{HeaderActorID: "x", HeaderActorRole: "system"}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, "/open", map[string]string{HeaderActorID: "x", HeaderActorRole: "root"}).Code)
}

func TestRequireAdmin(t *testing.T) {
	r := setupRouter()
	assert.Equal(t, http.StatusUnauthorized, do(r, "/admin", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(r, "/admin", map[string]string{HeaderActorID: "bob"}).Code)
	assert.Equal(t, http.StatusNoContent, do(r, "/admin", map[string]string{HeaderActorID: "ops", HeaderActorRole: "ADMIN"}).Code)
}

func TestActorValidate(t *testing.T) {
	assert.ErrorIs(t, Actor{Role: RoleUser}.Validate(), ErrNoActor)
	assert.NoError(t, System.Validate())
	assert.Error(t, Actor{ID: "a", Role: "guest"}.Validate())
}
