package voipms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// flexInt64 decodes an integer sent either as a JSON number or a string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", b, err)
	}
	*f = flexInt64(n)
	return nil
}

// flag decodes the provider's "0"/"1" booleans.
type flag bool

func (f *flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "1", float64(1):
		*f = true
	case "0", float64(0):
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", b)
	}
	return nil
}

type statusResponse struct {
	Status string `json:"status"`
}

type smsRecord struct {
	ID      flexInt64 `json:"id"`
	Date    string    `json:"date"`
	Type    string    `json:"type"`
	DID     string    `json:"did"`
	Contact string    `json:"contact"`
	Message *string   `json:"message"`
}

type getSMSResponse struct {
	Status string      `json:"status"`
	SMS    []smsRecord `json:"sms"`
}

type sendSMSResponse struct {
	Status string    `json:"status"`
	SMS    flexInt64 `json:"sms"`
}

type didRecord struct {
	DID         string `json:"did"`
	Description string `json:"description"`
	SMSEnabled  flag   `json:"sms_enabled"`
}

type getDIDsInfoResponse struct {
	Status string      `json:"status"`
	DIDs   []didRecord `json:"dids"`
}

// DID is a provider number of the account.
type DID struct {
	Number      string `json:"number"`
	Description string `json:"description,omitempty"`
	SMSEnabled  bool   `json:"sms_enabled"`
}
