package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ClientConfig configures the headless calling client.
type ClientConfig struct {
	Env       string
	ServerURL string
	Token     string

	StatusPollInterval time.Duration
	SignalPollInterval time.Duration
}

func LoadClient() (ClientConfig, error) {
	c := ClientConfig{
		Env:                strings.TrimSpace(os.Getenv("APP_ENV")),
		ServerURL:          strings.TrimSpace(os.Getenv("CALLRELAY_SERVER_URL")),
		Token:              strings.TrimSpace(os.Getenv("CALLRELAY_TOKEN")),
		StatusPollInterval: mustDuration("STATUS_POLL_INTERVAL"),
		SignalPollInterval: mustDuration("SIGNAL_POLL_INTERVAL"),
	}
	if err := c.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return c, nil
}

func (c *ClientConfig) Validate() error {
	var errs []error

	if c.Env == "" {
		c.Env = "local"
	}
	if !isValidEnv(c.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.Env))
	}
	if c.ServerURL == "" {
		errs = append(errs, errors.New("CALLRELAY_SERVER_URL is required"))
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("CALLRELAY_SERVER_URL must be an absolute URL, got %q", c.ServerURL))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("CALLRELAY_TOKEN is required"))
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = time.Second
	}
	if c.SignalPollInterval <= 0 {
		c.SignalPollInterval = 500 * time.Millisecond
	}

	return joinErrors(errs)
}
