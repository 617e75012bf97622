package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/John-Robertt/clashgen-go/internal/config"
)

func healthcheck(cfg config.Config) error {
	target := cfg.HealthcheckURL
	if target == "" {
		var err error
		if target, err = deriveHealthzURL(cfg.Listen); err != nil {
			return err
		}
	}
	return runHealthcheck(target, 3*time.Second)
}

// deriveHealthzURL turns a listen address ("host:port", ":port", "port" or a
// full URL) into the loopback /healthz URL.
func deriveHealthzURL(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return "", fmt.Errorf("empty listen address")
	}

	if strings.Contains(listen, "://") {
		u, err := url.Parse(listen)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("invalid url: %q", listen)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = "/healthz"
		}
		return u.String(), nil
	}

	if !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz", nil
}

func runHealthcheck(target string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck %s: unexpected status %d", target, resp.StatusCode)
	}
	return nil
}
