package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"mealplanner/internal/repo"
)

// Roles understood by the admin API. Viewers read runs, gates and events;
// operators may also resolve gates.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

var knownRoles = []string{RoleViewer, RoleOperator}

// Credential sources reported in Principal.Source.
const (
	SourceAPIKey       = "api_key"
	SourceJWT          = "jwt"
	SourceLegacyHeader = "legacy_header"
)

var errInvalidCredentials = errors.New("invalid credentials")

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id without credentials, read-only.
	AllowLegacyActorHeader bool
	Logger                 *slog.Logger
}

// Principal is the authenticated caller of an admin API request.
type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

func (p Principal) HasRole(role string) bool {
	if role == RoleViewer && len(p.Roles) > 0 {
		return true
	}
	return slices.Contains(p.Roles, role)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

// requireRole returns the caller when it holds role: 401 without a principal,
// 403 when the role is missing.
func requireRole(ctx context.Context, role string) (Principal, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if !p.HasRole(role) {
		return p, newAPIError(http.StatusForbidden, "forbidden", "role "+role+" required", map[string]any{"actor_id": p.ActorID, "roles": nonNilSlice(p.Roles)})
	}
	return p, nil
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func normalizeRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || slices.Contains(out, r) {
			continue
		}
		if !slices.Contains(knownRoles, r) {
			return nil, fmt.Errorf("unknown role %q", r)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		out = append(out, RoleViewer)
	}
	return out, nil
}

// authenticator resolves request credentials into a Principal. Bearer tokens
// take precedence over API keys, which take precedence over the legacy header.
type authenticator struct {
	cfg  AuthConfig
	repo repo.Repo
}

func (a authenticator) logger() *slog.Logger {
	if a.cfg.Logger != nil {
		return a.cfg.Logger
	}
	return slog.Default()
}

// authenticate returns ok=false when the request carries no credentials.
func (a authenticator) authenticate(req *http.Request) (Principal, bool, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		p, err := a.fromBearer(authz)
		return p, true, err
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		p, err := a.fromAPIKey(req.Context(), key)
		return p, true, err
	}
	if actor := strings.TrimSpace(req.Header.Get("X-Actor-Id")); actor != "" && a.cfg.AllowLegacyActorHeader {
		a.logger().Warn("using legacy X-Actor-Id header without auth", "actor_id", actor)
		return Principal{ActorID: actor, Roles: []string{RoleViewer}, Source: SourceLegacyHeader}, true, nil
	}
	return Principal{}, false, nil
}

func (a authenticator) fromBearer(authz string) (Principal, error) {
	scheme, token, ok := strings.Cut(authz, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return Principal{}, errInvalidCredentials
	}
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	claims := &jwtClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	roles, err := normalizeRoles(claims.Roles)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: claims.Subject, Roles: roles, Source: SourceJWT}, nil
}

// fromAPIKey authenticates workspace-issued keys. Keys are minted by the
// workspace owner from the CLI and act as operators.
func (a authenticator) fromAPIKey(ctx context.Context, key string) (Principal, error) {
	k, err := a.repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: k.ActorID, Roles: []string{RoleOperator}, Source: SourceAPIKey}, nil
}

// newAuthMiddleware guards the admin API. Paths outside basePath (Slack
// events, metrics, docs) and the health check pass through.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	auth := authenticator{cfg: cfg, repo: r}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			p, ok, err := auth.authenticate(req)
			switch {
			case !ok:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			case err != nil:
				auth.logger().Debug("credentials rejected", "error", err, "remote_addr", req.RemoteAddr)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", errInvalidCredentials.Error(), nil))
			default:
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
			}
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

// IssueToken mints an HS256 bearer token for actorID, accepted by the
// middleware when signed with the same secret. No roles means viewer.
func IssueToken(secret, actorID string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	normalized, err := normalizeRoles(roles)
	if err != nil {
		return "", err
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  actorID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: normalized,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
