package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wayfarer-travel/chatsync"
)

// session bundles everything a connected command needs.
type session struct {
	cfg     *Config
	client  *chatsync.Client
	conn    *chatsync.ConnectionManager
	metrics *chatsync.Metrics
	stop    func()
}

// newSession validates the config and wires client, connection and metrics.
// The connection is not dialed yet.
func newSession(cfg *Config) (*session, error) {
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token. Run 'chatsync init <token> <user-id>' first")
	}
	if cfg.Auth.UserID == "" {
		return nil, errors.New("no user id. Run 'chatsync config set auth.user_id <id>'")
	}

	client := newClient(cfg)
	dialers, err := selectDialers(client.Dialers(), cfg.Realtime.Transport)
	if err != nil {
		return nil, err
	}
	rtCfg, err := realtimeConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics := chatsync.NewMetrics(reg)
	rtCfg.Metrics = metrics
	rtCfg.Logger = logger

	s := &session{
		cfg:     cfg,
		client:  client,
		conn:    chatsync.NewConnectionManager(dialers, rtCfg),
		metrics: metrics,
		stop:    func() {},
	}
	if metricsAddr != "" {
		s.stop = serveMetrics(metricsAddr, reg)
	}
	return s, nil
}

func (s *session) Close() {
	s.conn.Disconnect()
	s.stop()
}

// newInbox builds the inbox on top of the session connection.
func (s *session) newInbox() (*chatsync.Inbox, error) {
	inCfg, err := inboxConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	inCfg.Logger = logger
	inCfg.Metrics = s.metrics
	return chatsync.NewInbox(s.conn, s.client, inCfg), nil
}

// newClient creates a REST client for the configured backend.
func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// selectDialers filters the preference list by the configured transport.
func selectDialers(all []chatsync.Dialer, transport string) ([]chatsync.Dialer, error) {
	switch transport {
	case "", "auto":
		return all, nil
	case "websocket", "sse":
		for _, d := range all {
			if d.Name() == transport {
				return []chatsync.Dialer{d}, nil
			}
		}
		return nil, fmt.Errorf("transport %q not available", transport)
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: auto, websocket, sse)", transport)
	}
}

// realtimeConfig maps the [realtime] section onto the connection settings.
func realtimeConfig(cfg *Config) (*chatsync.RealtimeConfig, error) {
	delay, err := parseDuration("reconnect_delay", cfg.Realtime.ReconnectDelay)
	if err != nil {
		return nil, err
	}
	return &chatsync.RealtimeConfig{
		UserID:               cfg.Auth.UserID,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectDelay:       delay,
		DisableReconnect:     cfg.Realtime.DisableReconnect,
	}, nil
}

// inboxConfig maps the [realtime] section onto the per-conversation settings.
func inboxConfig(cfg *Config) (*chatsync.InboxConfig, error) {
	pending, err := parseDuration("pending_timeout", cfg.Realtime.PendingTimeout)
	if err != nil {
		return nil, err
	}
	idle, err := parseDuration("typing_idle", cfg.Realtime.TypingIdle)
	if err != nil {
		return nil, err
	}
	ttl, err := parseDuration("remote_typing_ttl", cfg.Realtime.RemoteTypingTTL)
	if err != nil {
		return nil, err
	}
	return &chatsync.InboxConfig{
		UserID: cfg.Auth.UserID,
		Typing: chatsync.TypingConfig{
			IdleTimeout:     idle,
			RemoteTypingTTL: ttl,
		},
		Sender: chatsync.SenderConfig{
			PendingTimeout: pending,
		},
	}, nil
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() { srv.Close() }
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
