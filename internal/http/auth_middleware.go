package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/guardrail-dev/guardrail/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	UserID    string
	ProjectID string
}

const contextKeyAuth authContextKey = "guardrail-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// Identity names the principal behind a validated credential.
type Identity struct {
	UserID    string
	ProjectID string
}

// Authorizer validates bearer tokens on operator routes. Project-level
// ownership checks live with the caller's identity provider; the router only
// needs to know who is asking.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Identity, error)
}

// JWTAuthorizer validates tokens signed with the shared HMAC secret.
type JWTAuthorizer struct {
	secret string
}

// NewJWTAuthorizer builds the default authorizer.
func NewJWTAuthorizer(secret string) JWTAuthorizer {
	return JWTAuthorizer{secret: secret}
}

func (a JWTAuthorizer) Authorize(_ context.Context, token string) (Identity, error) {
	claims, err := jwt.Parse(token, a.secret)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, ProjectID: claims.ProjectID}, nil
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	if r.authorizer == nil {
		r.logger.Error("authorizer not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization misconfigured")
		return req.Context(), authInfo{}, false
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	identity, err := r.authorizer.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: identity.UserID, ProjectID: identity.ProjectID}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// optionalIdentity resolves the caller on the ingest path, where credentials
// are not required but a presented token must still be valid. The zero
// Identity with ok=true means an anonymous caller.
func (r *Router) optionalIdentity(w http.ResponseWriter, req *http.Request) (Identity, bool) {
	if strings.TrimSpace(req.Header.Get("Authorization")) == "" {
		return Identity{}, true
	}
	if r.authorizer == nil {
		r.logger.Error("authorizer not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization misconfigured")
		return Identity{}, false
	}
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return Identity{}, false
	}
	identity, err := r.authorizer.Authorize(req.Context(), token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return Identity{}, false
	}
	return identity, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// apiKeyFrom reads the ingest API key header, the strongest admission
// identifier a caller can present.
func apiKeyFrom(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get("X-API-Key"))
}
