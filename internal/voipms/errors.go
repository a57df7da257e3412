package voipms

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork wraps transport failures: unreachable host, timeouts, unexpected HTTP status.
	ErrNetwork = errors.New("voip.ms request failed")
	// ErrParse wraps responses that do not have the expected shape.
	ErrParse = errors.New("voip.ms response could not be parsed")
	// ErrInvalidCredentials matches an APIError with status invalid_credentials or missing_credentials.
	ErrInvalidCredentials = errors.New("invalid voip.ms credentials")
)

// Provider status strings.
const (
	StatusSuccess            = "success"
	StatusNoSMS              = "no_sms"
	StatusNoDID              = "no_did"
	StatusInvalidCredentials = "invalid_credentials"
	StatusMissingCredentials = "missing_credentials"
	StatusInvalidDst         = "invalid_dst"
	StatusInvalidSMS         = "invalid_sms"
	StatusLimitReached       = "limit_reached"
	StatusMessageEmpty       = "message_empty"
	StatusMissingSMS         = "missing_sms"
	StatusSMSFailed          = "sms_failed"
	StatusSMSTooLong         = "sms_toolong"
)

var userMessages = map[string]string{
	StatusInvalidCredentials: "VoIP.ms rejected the API username or password",
	StatusMissingCredentials: "VoIP.ms API username or password is not configured",
	StatusInvalidDst:         "the destination number is invalid",
	StatusInvalidSMS:         "the message text is invalid",
	StatusLimitReached:       "the daily SMS limit has been reached",
	StatusMessageEmpty:       "the message is empty",
	StatusMissingSMS:         "the message text is missing",
	StatusSMSFailed:          "VoIP.ms failed to send the message",
	StatusSMSTooLong:         "the message is too long",
}

// APIError is a non-success status returned by the provider.
type APIError struct {
	Method string
	Status string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voip.ms %s: %s", e.Method, e.Status)
}

// UserMessage returns a message suitable for display.
func (e *APIError) UserMessage() string {
	if msg, ok := userMessages[e.Status]; ok {
		return msg
	}
	return "API error: " + e.Status
}

// Is reports credential failures as ErrInvalidCredentials.
func (e *APIError) Is(target error) bool {
	return target == ErrInvalidCredentials &&
		(e.Status == StatusInvalidCredentials || e.Status == StatusMissingCredentials)
}

// UserMessage converts any gateway error into a single display string.
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &apiErr):
		return apiErr.UserMessage()
	case errors.Is(err, ErrNetwork):
		return "could not reach VoIP.ms, check the network connection"
	case errors.Is(err, ErrParse):
		return "could not parse the VoIP.ms response"
	default:
		return err.Error()
	}
}
