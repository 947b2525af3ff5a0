package core

import (
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCodeInvalidCredentials = "BROKER_AUTH_INVALID_CREDENTIALS"
	ErrorCodeTokenExpired       = "BROKER_AUTH_TOKEN_EXPIRED"
	ErrorCodeTokenRevoked       = "BROKER_AUTH_TOKEN_REVOKED"
	ErrorCodeRefreshInvalid     = "BROKER_AUTH_REFRESH_INVALID"
	ErrorCodeInsufficientScope  = "BROKER_AUTH_INSUFFICIENT_SCOPE"
	ErrorCodeAccountLocked      = "BROKER_AUTH_ACCOUNT_LOCKED"
	ErrorCodeRequires2FA        = "BROKER_AUTH_REQUIRES_2FA"
	ErrorCodeInvalidAPIKey      = "BROKER_AUTH_INVALID_API_KEY"
	ErrorCodeRateLimited        = "BROKER_RATE_LIMITED"
	ErrorCodeMaintenance        = "BROKER_MAINTENANCE"
	ErrorCodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	ErrorCodeNoActiveConns      = "NO_ACTIVE_CONNECTIONS"
	ErrorCodeConnUnauthorized   = "CONNECTION_UNAUTHORIZED"
	ErrorCodeValidationFailed   = "BROKER_VALIDATION_FAILED"
	ErrorCodeRoutingFailed      = "BROKER_ROUTING_FAILED"
	ErrorCodeOAuthStateInvalid  = "OAUTH_STATE_INVALID"
)

// ErrorKind names one row of the classification table. Adding a broker
// failure mode means adding a kind and a table row, nothing else.
type ErrorKind string

const (
	KindInvalidCredentials  ErrorKind = "invalid_credentials"
	KindTokenExpired        ErrorKind = "token_expired"
	KindTokenRevoked        ErrorKind = "token_revoked"
	KindRefreshInvalid      ErrorKind = "refresh_invalid"
	KindInsufficientScope   ErrorKind = "insufficient_scope"
	KindAccountLocked       ErrorKind = "account_locked"
	KindRequires2FA         ErrorKind = "requires_2fa"
	KindInvalidAPIKey       ErrorKind = "invalid_api_key"
	KindRateLimited         ErrorKind = "rate_limited"
	KindMaintenance         ErrorKind = "maintenance"
	KindConnectionNotFound  ErrorKind = "connection_not_found"
	KindNoActiveConnections ErrorKind = "no_active_connections"
	KindUnauthorized        ErrorKind = "connection_unauthorized"
	KindValidation          ErrorKind = "validation_failed"
	KindRoutingFailed       ErrorKind = "routing_failed"
	KindOAuthStateInvalid   ErrorKind = "oauth_state_invalid"
)

const (
	MetadataKeyBroker         = "broker"
	MetadataKeyKind           = "kind"
	MetadataKeyRetryable      = "retryable"
	MetadataKeyRequiresReauth = "requires_reauthorization"
	MetadataKeyRecoveryAction = "recovery_action"
	MetadataKeyAlertSeverity  = "alert_severity"
	MetadataKeyAlertSLA       = "alert_sla"
	MetadataKeyCorrelationID  = "correlation_id"
)

type classification struct {
	Category       goerrors.Category
	HTTPStatus     int
	TextCode       string
	UserMessage    string
	RecoveryAction string
	Retryable      bool
	RequiresReauth bool
	AlertSeverity  string
	AlertSLA       time.Duration
}

// classifications is the single source of truth for how each failure
// kind maps onto category, status, retryability, and alerting.
var classifications = map[ErrorKind]classification{
	KindInvalidCredentials: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeInvalidCredentials,
		UserMessage:    "Broker rejected the stored credentials.",
		RecoveryAction: "Reconnect the broker account.",
		RequiresReauth: true,
		AlertSeverity:  "high",
		AlertSLA:       15 * time.Minute,
	},
	KindTokenExpired: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeTokenExpired,
		UserMessage:    "Broker session has expired.",
		RecoveryAction: "Reconnect the broker account.",
		RequiresReauth: true,
		AlertSeverity:  "medium",
		AlertSLA:       time.Hour,
	},
	KindTokenRevoked: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeTokenRevoked,
		UserMessage:    "Broker access was revoked.",
		RecoveryAction: "Reconnect the broker account.",
		RequiresReauth: true,
		AlertSeverity:  "high",
		AlertSLA:       15 * time.Minute,
	},
	KindRefreshInvalid: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeRefreshInvalid,
		UserMessage:    "Broker session could not be renewed.",
		RecoveryAction: "Reconnect the broker account.",
		RequiresReauth: true,
		AlertSeverity:  "high",
		AlertSLA:       15 * time.Minute,
	},
	KindInsufficientScope: {
		Category:       goerrors.CategoryAuthz,
		HTTPStatus:     http.StatusForbidden,
		TextCode:       ErrorCodeInsufficientScope,
		UserMessage:    "Broker account is missing required permissions.",
		RecoveryAction: "Reconnect and grant the requested permissions.",
		RequiresReauth: true,
		AlertSeverity:  "medium",
		AlertSLA:       time.Hour,
	},
	KindAccountLocked: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusForbidden,
		TextCode:       ErrorCodeAccountLocked,
		UserMessage:    "Broker account is locked.",
		RecoveryAction: "Unlock the account with the broker, then reconnect.",
		RequiresReauth: true,
		AlertSeverity:  "high",
		AlertSLA:       15 * time.Minute,
	},
	KindRequires2FA: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusForbidden,
		TextCode:       ErrorCodeRequires2FA,
		UserMessage:    "Broker requires two-factor re-authentication.",
		RecoveryAction: "Complete two-factor sign-in with the broker, then reconnect.",
		RequiresReauth: true,
		AlertSeverity:  "medium",
		AlertSLA:       time.Hour,
	},
	KindInvalidAPIKey: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeInvalidAPIKey,
		UserMessage:    "Broker integration is misconfigured.",
		RecoveryAction: "Contact support.",
		AlertSeverity:  "critical",
		AlertSLA:       5 * time.Minute,
	},
	KindRateLimited: {
		Category:       goerrors.CategoryRateLimit,
		HTTPStatus:     http.StatusTooManyRequests,
		TextCode:       ErrorCodeRateLimited,
		UserMessage:    "Broker is rate limiting requests.",
		RecoveryAction: "Retry shortly.",
		Retryable:      true,
		AlertSeverity:  "low",
		AlertSLA:       4 * time.Hour,
	},
	KindMaintenance: {
		Category:       goerrors.CategoryOperation,
		HTTPStatus:     http.StatusServiceUnavailable,
		TextCode:       ErrorCodeMaintenance,
		UserMessage:    "Broker is temporarily unavailable.",
		RecoveryAction: "Retry shortly.",
		Retryable:      true,
		AlertSeverity:  "low",
		AlertSLA:       4 * time.Hour,
	},
	KindConnectionNotFound: {
		Category:       goerrors.CategoryNotFound,
		HTTPStatus:     http.StatusNotFound,
		TextCode:       ErrorCodeConnectionNotFound,
		UserMessage:    "Broker connection was not found.",
		RecoveryAction: "Connect a broker account first.",
		AlertSeverity:  "low",
		AlertSLA:       4 * time.Hour,
	},
	KindNoActiveConnections: {
		Category:       goerrors.CategoryNotFound,
		HTTPStatus:     http.StatusNotFound,
		TextCode:       ErrorCodeNoActiveConns,
		UserMessage:    "No active broker connections.",
		RecoveryAction: "Connect a broker account first.",
		AlertSeverity:  "low",
		AlertSLA:       4 * time.Hour,
	},
	KindUnauthorized: {
		Category:       goerrors.CategoryAuthz,
		HTTPStatus:     http.StatusForbidden,
		TextCode:       ErrorCodeConnUnauthorized,
		UserMessage:    "You do not have access to this connection.",
		RecoveryAction: "Use a connection that belongs to your account.",
		AlertSeverity:  "medium",
		AlertSLA:       time.Hour,
	},
	KindValidation: {
		Category:       goerrors.CategoryValidation,
		HTTPStatus:     http.StatusBadRequest,
		TextCode:       ErrorCodeValidationFailed,
		UserMessage:    "Request was invalid.",
		RecoveryAction: "Fix the request and retry.",
		AlertSeverity:  "low",
		AlertSLA:       4 * time.Hour,
	},
	KindRoutingFailed: {
		Category:       goerrors.CategoryOperation,
		HTTPStatus:     http.StatusBadGateway,
		TextCode:       ErrorCodeRoutingFailed,
		UserMessage:    "Could not reach the broker.",
		RecoveryAction: "Retry shortly.",
		Retryable:      true,
		AlertSeverity:  "high",
		AlertSLA:       15 * time.Minute,
	},
	KindOAuthStateInvalid: {
		Category:       goerrors.CategoryAuth,
		HTTPStatus:     http.StatusUnauthorized,
		TextCode:       ErrorCodeOAuthStateInvalid,
		UserMessage:    "Authorization session is invalid or has expired.",
		RecoveryAction: "Start the broker connection flow again.",
		AlertSeverity:  "medium",
		AlertSLA:       time.Hour,
	},
}

// NewBrokerError builds a classified error for kind. broker may be
// BrokerTypeUnknown when no broker context exists; it is never guessed.
func NewBrokerError(kind ErrorKind, broker BrokerType, message string) *goerrors.Error {
	class, ok := classifications[kind]
	if !ok {
		class = classification{
			Category:      goerrors.CategoryInternal,
			HTTPStatus:    http.StatusInternalServerError,
			TextCode:      "BROKER_INTERNAL_ERROR",
			UserMessage:   "An unexpected error occurred.",
			AlertSeverity: "critical",
			AlertSLA:      5 * time.Minute,
		}
	}
	if strings.TrimSpace(message) == "" {
		message = class.UserMessage
	}
	severity := goerrors.SeverityError
	if class.AlertSeverity == "critical" {
		severity = goerrors.SeverityCritical
	}
	richErr := goerrors.New(message, class.Category).
		WithTextCode(class.TextCode).
		WithCode(class.HTTPStatus).
		WithSeverity(severity).
		WithMetadata(map[string]any{
			MetadataKeyKind:           string(kind),
			MetadataKeyBroker:         broker.String(),
			MetadataKeyRetryable:      class.Retryable,
			MetadataKeyRequiresReauth: class.RequiresReauth,
			MetadataKeyRecoveryAction: class.RecoveryAction,
			MetadataKeyAlertSeverity:  class.AlertSeverity,
			MetadataKeyAlertSLA:       class.AlertSLA.String(),
		})
	return richErr
}

func WrapBrokerError(kind ErrorKind, broker BrokerType, cause error) *goerrors.Error {
	if cause == nil {
		return nil
	}
	classified := NewBrokerError(kind, broker, cause.Error())
	wrapped := goerrors.Wrap(cause, classified.Category, classified.Message).
		WithTextCode(classified.TextCode).
		WithCode(classified.Code).
		WithMetadata(classified.Metadata)
	return wrapped
}

// IsRetryable reports whether err was classified as safe to retry
// automatically. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	return metadataFlag(err, MetadataKeyRetryable)
}

// RequiresReauthorization reports whether the user must redo the
// OAuth flow before the connection can be used again.
func RequiresReauthorization(err error) bool {
	return metadataFlag(err, MetadataKeyRequiresReauth)
}

func ErrorBroker(err error) BrokerType {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return BrokerTypeUnknown
	}
	raw, ok := richErr.Metadata[MetadataKeyBroker].(string)
	if !ok {
		return BrokerTypeUnknown
	}
	parsed, err2 := ParseBrokerType(raw)
	if err2 != nil {
		return BrokerTypeUnknown
	}
	return parsed
}

func metadataFlag(err error, key string) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return false
	}
	flag, ok := richErr.Metadata[key].(bool)
	return ok && flag
}

func serviceErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "broker") && strings.Contains(msg, "not registered"):
		return ensureServiceErrorEnvelope(NewBrokerError(KindValidation, BrokerTypeUnknown, err.Error()))
	case strings.Contains(msg, "oauth state"), strings.Contains(msg, "callback state"):
		return ensureServiceErrorEnvelope(NewBrokerError(KindOAuthStateInvalid, BrokerTypeUnknown, err.Error()))
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return ensureServiceErrorEnvelope(NewBrokerError(KindRateLimited, BrokerTypeUnknown, err.Error()))
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "connection refused"):
		return ensureServiceErrorEnvelope(NewBrokerError(KindRoutingFailed, BrokerTypeUnknown, err.Error()))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return ensureServiceErrorEnvelope(NewBrokerError(KindValidation, BrokerTypeUnknown, err.Error()))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorCodeValidationFailed
	case goerrors.CategoryNotFound:
		return ErrorCodeConnectionNotFound
	case goerrors.CategoryAuth:
		return ErrorCodeInvalidCredentials
	case goerrors.CategoryAuthz:
		return ErrorCodeConnUnauthorized
	case goerrors.CategoryRateLimit:
		return ErrorCodeRateLimited
	case goerrors.CategoryOperation:
		return ErrorCodeRoutingFailed
	default:
		return "BROKER_INTERNAL_ERROR"
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
