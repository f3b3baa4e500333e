/*
auth.go - Bearer token identification of the acting user

PURPOSE:
  Every mutating endpoint acts on behalf of a user: the approver, the buyer,
  the admin applying a modifier. The actor comes from an HS256 JWT carrying
  a user_id claim, never from the request body.

TOKENS:
  Issued elsewhere (the household app's login). IssueToken exists for the
  CLI and tests.

  Claims:
    user_id  the acting economy.UserID (required)
    exp      expiry (required)

ROLES:
  The token only identifies the user. Whether that user may approve or
  apply modifiers is decided by the engine from the stored role.

SEE ALSO:
  - server.go: applies Middleware to the /api routes
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mckayc/task-donegeon-sub004/economy"
)

type contextKey string

const actorKey contextKey = "actor"

// Authenticator validates bearer tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns an Authenticator for the given HS256 secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for userID valid for ttl.
func (a *Authenticator) IssueToken(userID economy.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": string(userID),
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString(a.secret)
}

// Parse validates tokenString and returns its user_id claim.
func (a *Authenticator) Parse(tokenString string) (economy.UserID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", errors.New("token has no user_id")
	}
	return economy.UserID(userID), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// actor in the request context. EventSource cannot set headers, so a
// ?token= query parameter is accepted when no header is present.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		tokenString := r.URL.Query().Get("token")
		switch {
		case authHeader != "":
			scheme, rest, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				writeError(w, http.StatusUnauthorized, "Invalid authorization header format", nil)
				return
			}
			tokenString = rest
		case tokenString == "":
			writeError(w, http.StatusUnauthorized, "Missing authorization header", nil)
			return
		}

		actor, err := a.Parse(strings.TrimSpace(tokenString))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token", err)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Actor returns the authenticated user of the request.
func Actor(ctx context.Context) economy.UserID {
	id, _ := ctx.Value(actorKey).(economy.UserID)
	return id
}
