package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionCookie = "session_token"
	stateCookie   = "oauth_state"

	// OperatorSubject is the session subject issued after a successful consent.
	OperatorSubject = "operator"
	sessionLifetime = 24 * time.Hour
)

// getHeader is a case-insensitive header lookup.
func getHeader(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// getCookie returns a cookie value from the Cookie header.
func getCookie(req events.APIGatewayProxyRequest, name string) string {
	cookies := getHeader(req, "Cookie")
	for _, part := range strings.Split(cookies, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, name+"="); ok {
			return v
		}
	}
	return ""
}

// GetUserID extracts the user ID from the Authorization header or session cookie.
func GetUserID(req events.APIGatewayProxyRequest, jwtSecret string) (string, error) {
	// 1. Check Authorization Header (Bearer <token>)
	tokenString := ""
	authHeader := getHeader(req, "Authorization")
	if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}

	// 2. Check Cookie
	if tokenString == "" {
		tokenString = getCookie(req, sessionCookie)
	}

	if tokenString == "" {
		return "", fmt.Errorf("no authorization token found")
	}

	// Verify JWT
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(jwtSecret), nil
	})

	if err != nil {
		return "", fmt.Errorf("invalid token: %v", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if sub, ok := claims["sub"].(string); ok {
			return sub, nil
		}
	}

	return "", fmt.Errorf("invalid token claims")
}

// IssueSessionToken signs an operator session JWT.
func IssueSessionToken(subject, jwtSecret string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(sessionLifetime).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Failed to encode response"}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

func errorResponse(status int, msg string) events.APIGatewayProxyResponse {
	return jsonResponse(status, map[string]string{"error": msg})
}

func unauthorized() events.APIGatewayProxyResponse {
	return errorResponse(http.StatusUnauthorized, "Unauthorized")
}
