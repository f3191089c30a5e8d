package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// UserIDKey is the key type for storing the caller's user ID in context
type UserIDKey string

const userIDKey UserIDKey = "userID"

// identityClaims are the claims we read from identity-provider tokens.
// Tokens are issued elsewhere; this service only verifies them.
type identityClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

func parseIdentityToken(cfg AuthConfig, tokenStr string) (*identityClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &identityClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// provisionUser returns the local id for the token subject, creating the row on first sight.
// Known subjects cost one indexed read; the users row is only written when something changed.
func provisionUser(ctx context.Context, db *sql.DB, claims *identityClaims) (uuid.UUID, error) {
	var (
		id       uuid.UUID
		verified bool
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, email_verified FROM users WHERE identity_uid = $1`, claims.Subject).Scan(&id, &verified)
	switch {
	case err == nil:
		if claims.EmailVerified && !verified {
			if _, err := db.ExecContext(ctx,
				`UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
				return uuid.Nil, fmt.Errorf("mark email verified: %w", err)
			}
		}
		return id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return uuid.Nil, fmt.Errorf("look up identity: %w", err)
	}

	// ON CONFLICT covers two first requests for the same subject racing each other
	err = db.QueryRowContext(ctx, `
		INSERT INTO users (identity_uid, email, email_verified)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity_uid) DO UPDATE SET identity_uid = EXCLUDED.identity_uid
		RETURNING id
	`, claims.Subject, strings.ToLower(strings.TrimSpace(claims.Email)), claims.EmailVerified).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return uuid.Nil, errConflict
		}
		return uuid.Nil, err
	}
	return id, nil
}

// authenticate verifies the bearer token and stores the caller's id in the request context.
func authenticate(db *sql.DB, cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			claims, err := parseIdentityToken(cfg, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid_token")
				return
			}
			userID, err := provisionUser(r.Context(), db, claims)
			if errors.Is(err, errConflict) {
				writeError(w, http.StatusConflict, "email_exists")
				return
			} else if err != nil {
				log.Error().Err(err).Str("subject", claims.Subject).Msg("provision user")
				writeError(w, http.StatusInternalServerError, "db_error")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// currentUserID returns the id stored by authenticate.
func currentUserID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(userIDKey).(uuid.UUID)
	return id
}

// requireAdmin guards catalog maintenance with a shared key kept as a bcrypt hash.
func requireAdmin(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keyHash == "" {
				writeError(w, http.StatusForbidden, "admin_disabled")
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
