package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const actorGinKey = "actor"

// Authenticator resolves the calling actor from an HS256 bearer token
// carrying "sub" and "role" claims.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	nowFunc  func() time.Time
}

func NewAuthenticator(secret, issuer, audience string, leeway time.Duration) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		nowFunc:  time.Now,
	}
}

// Issue mints a token for a; used by local tooling and tests.
func (a *Authenticator) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := a.nowFunc()
	claims := jwt.MapClaims{
		"sub":  actor.ID,
		"role": string(actor.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	if a.audience != "" {
		claims["aud"] = a.audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates raw and returns the actor it names.
func (a *Authenticator) Parse(raw string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.nowFunc),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, jwt.ErrTokenInvalidClaims
	}

	sub, _ := claims.GetSubject()
	role, _ := claims["role"].(string)
	actor := Actor{ID: sub, Role: Role(role)}
	if actor.ID == "" {
		return Actor{}, fmt.Errorf("%w: missing sub", jwt.ErrTokenInvalidClaims)
	}
	if !actor.Role.Valid() {
		return Actor{}, fmt.Errorf("%w: unknown role %q", jwt.ErrTokenInvalidClaims, role)
	}
	return actor, nil
}

// Middleware requires a valid bearer token and stores the actor on both the
// gin context and the request context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			unauth(c, "invalid_request", "missing bearer token")
			return
		}
		actor, err := a.Parse(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			desc := "invalid jwt"
			if errors.Is(err, jwt.ErrTokenExpired) {
				desc = "token expired"
			}
			unauth(c, "invalid_token", desc)
			return
		}
		c.Set(actorGinKey, actor)
		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// RequireRole aborts with 403 unless the resolved actor has one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			unauth(c, "invalid_request", "missing bearer token")
			return
		}
		if !actor.Is(roles...) {
			forbidden(c, "insufficient_role", "role not allowed")
			return
		}
		c.Next()
	}
}

// ActorFrom returns the actor set by Middleware.
func ActorFrom(c *gin.Context) (Actor, bool) {
	v, ok := c.Get(actorGinKey)
	if !ok {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok && actor.ID != ""
}

func unauth(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": code, "error_description": desc})
}

func forbidden(c *gin.Context, code, desc string) {
	c.Header("WWW-Authenticate", `Bearer error="`+code+`", error_description="`+desc+`"`)
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": code, "error_description": desc})
}
