package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newTestRouter(a *Authenticator, roles ...Role) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", a.Middleware(), RequireRole(roles...), func(c *gin.Context) {
		ctxActor, err := FromContext(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, ctxActor.ID)
	})
	return r
}

func doGet(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ResolvesActor(t *testing.T) {
	a := NewAuthenticator("s3cret", "grocery-auth", "grocery-orderflow", 30*time.Second)
	tok, err := a.Issue(Actor{ID: "buyer-1", Role: RoleBuyer}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	w := doGet(newTestRouter(a, RoleBuyer), tok)
	if w.Code != http.StatusOK || w.Body.String() != "buyer-1" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	a := NewAuthenticator("s3cret", "grocery-auth", "grocery-orderflow", 0)
	other := NewAuthenticator("other", "grocery-auth", "grocery-orderflow", 0)
	wrongAud := NewAuthenticator("s3cret", "grocery-auth", "someone-else", 0)

	good, _ := a.Issue(Actor{ID: "u1", Role: RoleAdmin}, time.Hour)
	badSig, _ := other.Issue(Actor{ID: "u1", Role: RoleAdmin}, time.Hour)
	badAud, _ := wrongAud.Issue(Actor{ID: "u1", Role: RoleAdmin}, time.Hour)
	expired, _ := a.Issue(Actor{ID: "u1", Role: RoleAdmin}, -time.Minute)
	noRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1", "iss": "grocery-auth", "aud": "grocery-orderflow",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))

	r := newTestRouter(a, RoleAdmin)
	cases := map[string]struct {
		token string
		want  int
	}{
		"missing":   {"", http.StatusUnauthorized},
		"garbage":   {"not-a-jwt", http.StatusUnauthorized},
		"signature": {badSig, http.StatusUnauthorized},
		"audience":  {badAud, http.StatusUnauthorized},
		"expired":   {expired, http.StatusUnauthorized},
		"no role":   {noRole, http.StatusUnauthorized},
		"ok":        {good, http.StatusOK},
	}
	for name, tc := range cases {
		if w := doGet(r, tc.token); w.Code != tc.want {
			t.Fatalf("%s: want %d got %d (%s)", name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestRequireRole_Forbidden(t *testing.T) {
	a := NewAuthenticator("s3cret", "", "", 0)
	tok, _ := a.Issue(Actor{ID: "agent-1", Role: RoleDelivery}, time.Hour)

	w := doGet(newTestRouter(a, RoleAdmin, RoleBuyer), tok)
	if w.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", w.Code)
	}
}
