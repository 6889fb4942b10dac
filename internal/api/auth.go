package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type contextKey string

const deviceIDKey contextKey = "device_id"

// DeviceIDFromContext returns the authenticated device ID, or "" when the
// request was not authenticated (auth disabled).
func DeviceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(deviceIDKey).(string); ok {
		return id
	}
	return ""
}

// IssueDeviceToken signs a bearer token for a device. The subject claim
// carries the device ID.
func IssueDeviceToken(secret, deviceID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("auth secret is empty")
	}
	if strings.TrimSpace(deviceID) == "" {
		return "", errors.New("device id is required")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ValidateDeviceToken parses and validates a bearer token, returning the
// device ID it was issued to.
func ValidateDeviceToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("token missing subject")
	}
	return claims.Subject, nil
}

// RequireAuth middleware checks for device bearer token authentication.
// An empty secret disables auth; only acceptable for local development.
func RequireAuth(secret string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret == "" {
			handler(w, r)
			return
		}

		header := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if header == "" || !strings.HasPrefix(header, prefix) {
			log.Warn().
				Str("ip", GetClientIP(r)).
				Str("path", r.URL.Path).
				Msg("Unauthorized API access attempt")
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Missing or malformed bearer token", nil)
			return
		}

		deviceID, err := ValidateDeviceToken(secret, strings.TrimSpace(header[len(prefix):]))
		if err != nil {
			log.Warn().
				Str("ip", GetClientIP(r)).
				Str("path", r.URL.Path).
				Err(err).
				Msg("Rejected device token")
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired bearer token", nil)
			return
		}

		handler(w, r.WithContext(context.WithValue(r.Context(), deviceIDKey, deviceID)))
	}
}

// GetClientIP extracts the client IP from the request
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
