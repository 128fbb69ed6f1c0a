package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jun/docbrowser/internal/auth"
	"github.com/jun/docbrowser/internal/model"
)

// CredentialManager is the part of auth.Manager the auth routes need.
type CredentialManager interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*model.CredentialRecord, error)
	IsAuthenticated(ctx context.Context) bool
}

// AuthHandler handles the operator consent flow.
type AuthHandler struct {
	credentials CredentialManager
	jwtSecret   string
	devMode     bool
	logger      *zap.Logger
	now         func() time.Time
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(credentials CredentialManager, jwtSecret string, devMode bool, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &AuthHandler{
		credentials: credentials,
		jwtSecret:   jwtSecret,
		devMode:     devMode,
		logger:      logger.Named("auth"),
		now:         time.Now,
	}
}

func (h *AuthHandler) sameSite() string {
	if h.devMode {
		return "Lax"
	}
	return "None"
}

// Login redirects to the provider consent page. The state is echoed back in
// a short-lived cookie and checked on callback.
func (h *AuthHandler) Login(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	if !h.mayConsent(ctx, req) {
		return unauthorized(), nil
	}
	state := uuid.NewString()
	url := h.credentials.AuthorizationURL(state)

	cookie := fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=600; SameSite=Lax; Secure", stateCookie, state)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusFound,
		Headers: map[string]string{
			"Location": url,
		},
		MultiValueHeaders: map[string][]string{
			"Set-Cookie": {cookie},
		},
	}, nil
}

// Callback exchanges the authorization code and opens an operator session.
func (h *AuthHandler) Callback(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	code := req.QueryStringParameters["code"]
	if code == "" {
		return errorResponse(http.StatusBadRequest, "Missing code"), nil
	}

	state := req.QueryStringParameters["state"]
	if expected := getCookie(req, stateCookie); expected == "" || state != expected {
		h.logger.Warn("oauth callback with mismatched state")
		return errorResponse(http.StatusBadRequest, "Invalid state"), nil
	}

	if !h.mayConsent(ctx, req) {
		h.logger.Warn("anonymous oauth callback refused, credentials already held")
		return unauthorized(), nil
	}

	rec, err := h.credentials.ExchangeCode(ctx, code)
	if err != nil {
		var exErr *auth.AuthExchangeError
		if errors.As(err, &exErr) {
			return errorResponse(http.StatusBadRequest, "Authorization code rejected"), nil
		}
		var mismatch *auth.AccountMismatchError
		if errors.As(err, &mismatch) {
			return errorResponse(http.StatusForbidden, "Consent must come from the operator account"), nil
		}
		h.logger.Error("ExchangeCode failed", zap.Error(err))
		return errorResponse(http.StatusInternalServerError, "Failed to store credentials"), nil
	}

	signed, err := IssueSessionToken(OperatorSubject, h.jwtSecret, h.now())
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "Failed to sign token"), nil
	}

	resp := jsonResponse(http.StatusOK, map[string]any{
		"authenticated": true,
		"expiresAt":     rec.ExpiresAt,
	})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {
			fmt.Sprintf("%s=%s; HttpOnly; Path=/; Max-Age=86400; SameSite=%s; Secure", sessionCookie, signed, h.sameSite()),
			fmt.Sprintf("%s=; HttpOnly; Path=/; Max-Age=0; SameSite=Lax; Secure", stateCookie),
		},
	}
	return resp, nil
}

// mayConsent allows the first consent from anyone. Once credentials are
// held only the operator may replace them.
func (h *AuthHandler) mayConsent(ctx context.Context, req events.APIGatewayProxyRequest) bool {
	if !h.credentials.IsAuthenticated(ctx) {
		return true
	}
	subject, err := GetUserID(req, h.jwtSecret)
	return err == nil && subject == OperatorSubject
}

// Status reports whether usable provider credentials are held.
func (h *AuthHandler) Status(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return jsonResponse(http.StatusOK, map[string]bool{
		"authenticated": h.credentials.IsAuthenticated(ctx),
	}), nil
}

// Logout clears the session cookie.
func (h *AuthHandler) Logout(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	cookie := fmt.Sprintf("%s=; HttpOnly; Path=/; Max-Age=0; SameSite=%s; Secure", sessionCookie, h.sameSite())

	resp := jsonResponse(http.StatusOK, map[string]bool{"success": true})
	resp.MultiValueHeaders = map[string][]string{
		"Set-Cookie": {cookie},
	}
	return resp, nil
}
