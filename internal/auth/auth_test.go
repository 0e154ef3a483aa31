package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	apperrors "github.com/spec-kit/rfi-sync-service/pkg/util/errorutil"
)

func TestParseTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", "platform", time.Hour)
	token, _, err := tm.GenerateToken("user-1", "pm@example.com", "PM", RoleOperator)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user-1" || claims.Role != RoleOperator || claims.Email != "pm@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseTokenRejectsWrongSecretAndIssuer(t *testing.T) {
	token, _, _ := NewTokenManager("other", "platform", time.Hour).GenerateToken("u", "", "", RoleViewer)
	if _, err := NewTokenManager("secret", "platform", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected signature failure")
	}
	token, _, _ = NewTokenManager("secret", "elsewhere", time.Hour).GenerateToken("u", "", "", RoleViewer)
	if _, err := NewTokenManager("secret", "platform", time.Hour).ParseToken(token); err == nil {
		t.Fatalf("expected issuer failure")
	}
}

func TestParseTokenRejectsUnknownRole(t *testing.T) {
	tm := NewTokenManager("secret", "", time.Hour)
	token, _, _ := tm.GenerateToken("u", "", "", Role("root"))
	if _, err := tm.ParseToken(token); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
}

func newApp(tm *TokenManager, roles ...Role) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.Status(de.HTTPStatus).SendString(de.Code)
		},
	})
	app.Get("/", NewAuthMiddleware(tm).Handle, RequireRole(roles...), func(c *fiber.Ctx) error {
		p, _ := PrincipalFromContext(c)
		return c.SendString(p.SubjectID)
	})
	return app
}

func TestMiddlewareAndRoles(t *testing.T) {
	tm := NewTokenManager("secret", "", time.Hour)
	viewer, _, _ := tm.GenerateToken("viewer-1", "", "", RoleViewer)
	admin, _, _ := tm.GenerateToken("admin-1", "", "", RoleAdmin)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"bad scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer abc", http.StatusUnauthorized},
		{"viewer lacks operator", "Bearer " + viewer, http.StatusForbidden},
		{"admin passes", "Bearer " + admin, http.StatusOK},
	}
	app := newApp(tm, RoleOperator)
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
}
