package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Error codes returned in {error, error_description} payloads.
const (
	ErrCodeMissingClientID         = "missing_client_id"
	ErrCodeMissingRedirectURI      = "missing_redirect_uri"
	ErrCodeInvalidClient           = "invalid_client"
	ErrCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrCodeUnsupportedResponseType = "unsupported_response_type"
	ErrCodeTemporarilyUnavailable  = "temporarily_unavailable"
	ErrCodeServerError             = "server_error"
)

const responseTypeCode = "code"

// AuthError is a structured, user-facing handoff error.
type AuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// SecurityEvent reports whether the error is worth an audit log line.
func (e *AuthError) SecurityEvent() bool {
	return e.Code == ErrCodeInvalidClient || e.Code == ErrCodeInvalidRedirectURI
}

func badRequest(code, desc string) *AuthError {
	return &AuthError{Code: code, Description: desc, Status: http.StatusBadRequest}
}

// Validator checks incoming handoff parameters against the allow-list.
type Validator struct {
	clients            *ClientRegistry
	strictResponseType bool
	logger             *slog.Logger
}

// NewValidator wires a validator to an immutable registry.
func NewValidator(clients *ClientRegistry, strictResponseType bool, logger *slog.Logger) *Validator {
	return &Validator{clients: clients, strictResponseType: strictResponseType, logger: logger}
}

// Validate turns raw query or form parameters into an AuthorizationRequest.
// Checks run in a fixed order and stop at the first failure.
func (v *Validator) Validate(params url.Values) (AuthorizationRequest, error) {
	clientID := params.Get("client_id")
	if clientID == "" {
		return AuthorizationRequest{}, badRequest(ErrCodeMissingClientID, "client_id parameter is required")
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" || !isAbsoluteURL(redirectURI) {
		return AuthorizationRequest{}, badRequest(ErrCodeMissingRedirectURI, "redirect_uri parameter is required and must be an absolute URL")
	}

	reg, ok := v.clients.Lookup(clientID)
	if !ok {
		return AuthorizationRequest{}, badRequest(ErrCodeInvalidClient, "Unknown client_id")
	}

	if !reg.Allows(redirectURI) {
		return AuthorizationRequest{}, badRequest(ErrCodeInvalidRedirectURI, "redirect_uri not allowed for this client")
	}

	responseType := params.Get("response_type")
	if responseType == "" {
		responseType = responseTypeCode
	}
	if responseType != responseTypeCode {
		if v.strictResponseType {
			return AuthorizationRequest{}, badRequest(ErrCodeUnsupportedResponseType, "only response_type=code is supported")
		}
		v.logger.Warn("authorize unsupported response_type accepted", "client_id", clientID, "response_type", responseType)
	}

	return AuthorizationRequest{
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		State:        params.Get("state"),
		ResponseType: responseType,
	}, nil
}

// HasHandoff reports whether params carry the fields needed to resume a
// handoff after credential collection.
func HasHandoff(params url.Values) bool {
	return params.Get("client_id") != "" && params.Get("redirect_uri") != ""
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && u.Host != ""
}
