package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/luminousflow/luminous/pkg/defaults"
	"github.com/luminousflow/luminous/pkg/duration"
	"github.com/luminousflow/luminous/pkg/retry"
)

// Sentinel errors for SMS delivery. Callers should use errors.Is().
var (
	ErrSMSNotConfigured = errors.New("sms: twilio credentials not configured")
	ErrNoSender         = errors.New("sms: no sender configuration available (need a phone number or a valid sender name)")
	ErrInvalidPhone     = errors.New("sms: invalid phone number")
)

const (
	twilioBaseURL     = "https://api.twilio.com/2010-04-01"
	maxSenderIDLength = 11
	minPhoneDigits    = 10
	maxPhoneDigits    = 15
)

// NormalizePhone strips formatting from phone and returns it in +digits
// form. Numbers must have 10 to 15 digits.
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n := digits.Len()
	switch {
	case n < minPhoneDigits:
		return "", fmt.Errorf("%w: %q is too short", ErrInvalidPhone, phone)
	case n > maxPhoneDigits:
		return "", fmt.Errorf("%w: %q is too long", ErrInvalidPhone, phone)
	}
	return "+" + digits.String(), nil
}

// isSenderID reports whether name can be used as an alphanumeric sender ID.
func isSenderID(name string) bool {
	if name == "" || len(name) > maxSenderIDLength {
		return false
	}
	for _, r := range name {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

// TwilioClient sends SMS through the Twilio Messages REST API.
type TwilioClient struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	SenderName string
	BaseURL    string
	Retry      retry.Config

	httpClient *http.Client
}

// NewTwilioClient creates a client. fromNumber and senderName are both
// optional but at least one must be usable for Send to succeed.
func NewTwilioClient(accountSID, authToken, fromNumber, senderName string) *TwilioClient {
	return &TwilioClient{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: fromNumber,
		SenderName: senderName,
		BaseURL:    twilioBaseURL,
		Retry: retry.Config{
			MaxAttempts: defaults.RetryLow,
			InitDelay:   duration.RetryFast,
			MaxDelay:    duration.RetryMax,
			Strategy:    retry.Exponential,
			Jitter:      true,
		},
		httpClient: &http.Client{Timeout: duration.HTTPNotify},
	}
}

// SMSReceipt is Twilio's acknowledgement of a queued message.
type SMSReceipt struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// sender picks the From value and the final message body. A sender name
// that qualifies as an alphanumeric sender ID is used directly; otherwise
// the configured number sends and the name is prefixed to the body.
func (c *TwilioClient) sender(body string) (from, text string, err error) {
	switch {
	case isSenderID(c.SenderName):
		return c.SenderName, body, nil
	case c.FromNumber != "":
		if c.SenderName != "" {
			return c.FromNumber, fmt.Sprintf("From %s: %s", c.SenderName, body), nil
		}
		return c.FromNumber, body, nil
	default:
		return "", "", ErrNoSender
	}
}

// Send delivers body to the given number.
func (c *TwilioClient) Send(ctx context.Context, to, body string) (*SMSReceipt, error) {
	if c.AccountSID == "" || c.AuthToken == "" {
		return nil, ErrSMSNotConfigured
	}
	to, err := NormalizePhone(to)
	if err != nil {
		return nil, err
	}
	from, text, err := c.sender(body)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", from)
	form.Set("Body", text)
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.BaseURL, url.PathEscape(c.AccountSID))

	var receipt SMSReceipt
	err = retry.Do(ctx, c.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return retry.Stop(err)
		}
		req.SetBasicAuth(c.AccountSID, c.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", defaults.UserAgent())

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := retry.CheckStatus(resp); err != nil {
			return err
		}
		receipt = SMSReceipt{}
		if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
			return retry.Stop(fmt.Errorf("sms: decode response: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sms: send to %s: %w", to, err)
	}
	return &receipt, nil
}
