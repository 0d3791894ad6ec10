package rpc

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/health"
)

func TestCipherSuiteIDsDefaults(t *testing.T) {
	ids, err := cipherSuiteIDs(config.DefaultCiphers)
	if err != nil {
		t.Fatalf("cipherSuiteIDs(DefaultCiphers) = %v", err)
	}
	if len(ids) != len(config.DefaultCiphers) {
		t.Errorf("resolved %d suites, want %d", len(ids), len(config.DefaultCiphers))
	}
}

func TestCipherSuiteIDsUnknown(t *testing.T) {
	_, err := cipherSuiteIDs([]string{"TLS_ROT13_WITH_NULL_NULL"})
	if err == nil {
		t.Fatal("no error for unknown cipher suite")
	}
	if !strings.Contains(err.Error(), "TLS_ROT13_WITH_NULL_NULL") {
		t.Errorf("error %q does not name the suite", err)
	}
}

func TestNewServerWarnsOnMissingTokenList(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.API.TokenGetSMS, "sim2")
	pool, _, _ := testPool()

	srv := NewServer(cfg, pool, nil)
	state, msg := srv.HealthState()
	if state != health.Warning {
		t.Errorf("state = %v, want WARNING", state)
	}
	want := "Warning: token_sim2_get_sms not defined in API key configuration."
	if msg != want {
		t.Errorf("message = %q, want %q", msg, want)
	}
}

func TestGetHealthStateCombinesParts(t *testing.T) {
	cfg := testConfig(t)
	delete(cfg.API.TokenGetSMS, "sim2")
	pool, _, _ := testPool()
	relay := fakeReporter{health.Critical, "The SMTP server could not be connected."}
	router := NewServer(cfg, pool, relay).Router()

	w := post(t, router, "/rpc/get_health_state", map[string]string{"token": "health-token"})
	var resp healthStateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Level != "CRITICAL" {
		t.Errorf("level = %q, want CRITICAL", resp.Level)
	}
	want := "CRITICAL: The SMTP server could not be connected.; " +
		"Warning: token_sim2_get_sms not defined in API key configuration."
	if resp.Message != want {
		t.Errorf("message = %q, want %q", resp.Message, want)
	}
}
