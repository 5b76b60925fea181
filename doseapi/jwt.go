package doseapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth validates HS256 bearer tokens. The user ID travels in the
// standard sub claim, the originating device in the did claim.
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string, logger *slog.Logger) *JWTAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{secret: []byte(secret), logger: logger}
}

// Claims are the token claims for single-user multi-device sync.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for a user/device pair.
func (j *JWTAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "dosesync",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token string and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// user and device IDs in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, "authorization header required")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeAuthError(w, "bearer token required")
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			j.logger.Debug("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeAuthError(w, "invalid token")
			return
		}

		ctx := WithUserID(r.Context(), claims.Subject)
		ctx = WithDeviceID(ctx, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   "authentication_failed",
		Message: message,
	})
}
