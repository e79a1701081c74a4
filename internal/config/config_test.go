package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Session.Backend != BackendMemory || c.Directory.Backend != BackendMemory {
		t.Fatalf("expected memory backends, got %q/%q", c.Session.Backend, c.Directory.Backend)
	}
	if c.Session.MailboxCapacity != 256 {
		t.Fatalf("expected mailbox capacity 256, got %d", c.Session.MailboxCapacity)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected default access ttl, got %s", c.Auth.AccessTokenTTL)
	}
	if c.ICE.Mode != ICEModeSTUNTURN {
		t.Fatalf("expected default ice mode, got %q", c.ICE.Mode)
	}
}

func TestValidate_PostgresRequiresDB(t *testing.T) {
	c := validLocal()
	c.Directory.Backend = BackendPostgres
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_HOST") {
		t.Fatalf("expected DB_HOST error, got %v", err)
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validLocal()
	c.Directory.Backend = BackendPostgres
	c.DB = DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callrelay"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if got := c.MigrationURL(); got != "pgx5://postgres:x@localhost:5432/callrelay?sslmode=disable" {
		t.Fatalf("unexpected migration url %q", got)
	}
}

func TestValidate_ProductionRejectsMemoryBackends(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected memory backends to be rejected in production")
	}
}

func TestValidate_RedisRequiresHost(t *testing.T) {
	c := validLocal()
	c.Session.Backend = BackendRedis
	if err := c.Validate(); err == nil {
		t.Fatalf("expected REDIS_HOST error")
	}
	c.Redis = RedisConfig{Host: "localhost", Port: 6379}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Redis.Prefix != "callrelay" {
		t.Fatalf("expected default prefix, got %q", c.Redis.Prefix)
	}
}

func TestICEServers_Modes(t *testing.T) {
	turn := ICEConfig{Mode: ICEModeTURNOnly, TURNURLs: []string{"turn:t:3478"}, TURNUsername: "u", TURNPassword: "p"}
	servers := turn.Servers()
	if len(servers) != 1 || servers[0].Username != "u" {
		t.Fatalf("unexpected turn-only servers %+v", servers)
	}

	stun := ICEConfig{Mode: ICEModeSTUNOnly, TURNURLs: []string{"turn:t:3478"}}
	servers = stun.Servers()
	if len(servers) != 1 || servers[0].URLs[0] != defaultSTUN[0] {
		t.Fatalf("unexpected stun-only servers %+v", servers)
	}

	both := ICEConfig{Mode: ICEModeSTUNTURN, STUNURLs: []string{"stun:s:3478"}, TURNURLs: []string{"turn:t:3478"}}
	if n := len(both.Servers()); n != 2 {
		t.Fatalf("expected 2 servers, got %d", n)
	}
}

func TestICEValidate_TurnOnlyNeedsURLs(t *testing.T) {
	c := ICEConfig{Mode: ICEModeTURNOnly}
	if errs := c.validate(); len(errs) == 0 {
		t.Fatalf("expected error")
	}
}

func TestClientValidate_Defaults(t *testing.T) {
	c := ClientConfig{ServerURL: "http://localhost:8080", Token: "t"}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.StatusPollInterval != time.Second || c.SignalPollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected intervals %s %s", c.StatusPollInterval, c.SignalPollInterval)
	}

	bad := ClientConfig{ServerURL: "localhost", Token: "t"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected url error")
	}
}
