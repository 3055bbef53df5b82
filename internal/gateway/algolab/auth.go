package algolab

import (
	"context"
	"fmt"
	"strings"

	"galata/internal/session"
)

// LoginUser starts the two-step login. The broker responds with a short
// lived token and sends the OTP out of band. Not retried: every delivered
// attempt triggers another SMS.
func (c *Client) LoginUser(ctx context.Context, username, password string) (string, error) {
	encUser, err := encryptField(c.aesKey, username)
	if err != nil {
		return "", fmt.Errorf("encrypting username: %w", err)
	}
	encPass, err := encryptField(c.aesKey, password)
	if err != nil {
		return "", fmt.Errorf("encrypting password: %w", err)
	}
	content, _, err := c.post(ctx, epLoginUser, loginUserRequest{Username: encUser, Password: encPass}, "")
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(content.Get("token").String())
	if token == "" {
		return "", fmt.Errorf("%s: response carried no token", epLoginUser)
	}
	return token, nil
}

// LoginUserControl exchanges the login token plus the user's OTP for the
// session hash that authorizes every later call.
func (c *Client) LoginUserControl(ctx context.Context, token, otp string) (string, error) {
	encToken, err := encryptField(c.aesKey, token)
	if err != nil {
		return "", fmt.Errorf("encrypting token: %w", err)
	}
	encOTP, err := encryptField(c.aesKey, otp)
	if err != nil {
		return "", fmt.Errorf("encrypting otp: %w", err)
	}
	content, _, err := c.post(ctx, epLoginUserControl, loginControlRequest{Token: encToken, Password: encOTP}, "")
	if err != nil {
		return "", err
	}
	hash := strings.TrimSpace(content.Get("hash").String())
	if hash == "" {
		return "", fmt.Errorf("%s: response carried no hash", epLoginUserControl)
	}
	return hash, nil
}

// SessionRefresh extends the session's lifetime. Safe to repeat.
func (c *Client) SessionRefresh(ctx context.Context, creds session.Credentials) error {
	_, _, err := c.postRetry(ctx, epSessionRefresh, nil, creds.Hash, true)
	return err
}

// GetSubAccounts lists the sub accounts reachable through the session. The
// session manager also uses it as a liveness probe after restoring
// persisted credentials.
func (c *Client) GetSubAccounts(ctx context.Context, creds session.Credentials) ([]string, error) {
	content, _, err := c.postRetry(ctx, epGetSubAccounts, nil, creds.Hash, true)
	if err != nil {
		return nil, err
	}
	var subs []string
	for _, row := range content.Array() {
		number := strings.TrimSpace(row.Get("number").String())
		if number == "" {
			number = strings.TrimSpace(row.String())
		}
		if number != "" {
			subs = append(subs, number)
		}
	}
	return subs, nil
}
