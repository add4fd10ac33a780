package serverutils

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"rag-chat-gateway/pkg/identity"
)

// TokenVerifier validates browser-issued ID tokens at the proxy boundary.
type TokenVerifier interface {
	VerifyIDToken(tokenStr string) (*identity.Claims, error)
}

// Locals keys set by the auth middleware.
const (
	LocalUserID    = "user_id"
	LocalAnonymous = "user_anonymous"
)

// AuthMiddleware rejects requests without a valid bearer token. The error
// body is the bare {error} shape the browser client expects from proxy
// routes, not the gateway envelope.
func AuthMiddleware(verifier TokenVerifier) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		authHeader := ctx.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Missing authorization header"})
		}

		claims, err := verifier.VerifyIDToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return ctx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
		}

		ctx.Locals(LocalUserID, claims.UserID)

		// The anonymous flag can arrive both in the token and as a header;
		// the verified token wins.
		anonymous := claims.Anonymous
		if header := ctx.Get("X-User-Anonymous"); header != "" && !anonymous {
			anonymous = header == "true"
		}
		ctx.Locals(LocalAnonymous, anonymous)
		return ctx.Next()
	}
}
