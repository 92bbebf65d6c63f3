package middleware

import (
	stderrors "errors"
	"net/http"
	"strings"

	"polystore/pkg/auth"
	"polystore/pkg/common"
	"polystore/pkg/errors"

	"go.uber.org/zap"
)

// Authenticate validates the bearer token and puts its subject in the request
// context as the acting principal. A nil validator lets every request through
// without a principal.
func Authenticate(validator *auth.Validator, errorHandler *errors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if validator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				errorHandler.Handle(w, r, errors.NewUnauthorizedError("Missing authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.Warn("Invalid token",
					zap.Error(err),
					zap.String("path", r.URL.Path),
				)
				errorHandler.Handle(w, r, unauthorized(err))
				return
			}

			ctx := common.WithPrincipal(r.Context(), claims.Subject)
			logger.Debug("Request authenticated",
				zap.String("principal", claims.Subject),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(err error) *errors.AppError {
	message := "Invalid token"
	switch {
	case stderrors.Is(err, auth.ErrExpiredToken):
		message = "Token has expired"
	case stderrors.Is(err, auth.ErrInvalidSignature):
		message = "Invalid token signature"
	}
	return errors.NewUnauthorizedError(message).WithCause(err)
}

// extractToken extracts the JWT token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
