package mail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pentagridsec/smsgate/internal/config"
	"github.com/pentagridsec/smsgate/internal/sms"
)

type sentMail struct {
	sms       *sms.SMS
	recipient string
}

type fakeDeliverer struct {
	mu           sync.Mutex
	failures     int
	sent         []sentMail
	healthChecks int
}

func (f *fakeDeliverer) Send(s *sms.SMS, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("delivery failed")
	}
	f.sent = append(f.sent, sentMail{sms: s, recipient: recipient})
	return nil
}

func (f *fakeDeliverer) HealthCheck() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthChecks++
}

func (f *fakeDeliverer) sentMails() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

func (f *fakeDeliverer) checks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthChecks
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mailConfig() *config.MailConfig {
	return &config.MailConfig{
		Enabled:             true,
		Server:              "mail.example.org",
		Port:                465,
		User:                "gateway@example.org",
		Password:            "secret",
		Recipient:           "ops@example.org",
		HealthCheckInterval: time.Hour,
	}
}

func inboundFrom(worker string) *sms.SMS {
	return sms.NewInbound("+41791112233", "+41794445566", "hi", time.Time{}, worker, "Sunrise")
}

func TestPipelineDeliversToDefaultRecipient(t *testing.T) {
	fd := &fakeDeliverer{}
	p := NewPipeline(mailConfig(), fd, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	s := inboundFrom("sim1")
	p.Enqueue(s)

	waitFor(t, "delivery", func() bool { return len(fd.sentMails()) == 1 })
	got := fd.sentMails()[0]
	if got.recipient != "ops@example.org" {
		t.Errorf("recipient = %q, want ops@example.org", got.recipient)
	}
	if got.sms.ID != s.ID {
		t.Errorf("delivered SMS %q, want %q", got.sms.ID, s.ID)
	}
}

func TestPipelineRecipientSelection(t *testing.T) {
	fd := &fakeDeliverer{}
	p := NewPipeline(mailConfig(), fd, map[string]string{
		"sim1": "sim1-inbox@example.org",
		"sim3": "",
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	p.Enqueue(inboundFrom("sim1"))
	p.Enqueue(inboundFrom("sim2"))
	p.Enqueue(inboundFrom("sim3"))

	waitFor(t, "three deliveries", func() bool { return len(fd.sentMails()) == 3 })
	sent := fd.sentMails()

	want := []string{"sim1-inbox@example.org", "ops@example.org", "ops@example.org"}
	for i, w := range want {
		if sent[i].recipient != w {
			t.Errorf("delivery %d recipient = %q, want %q", i, sent[i].recipient, w)
		}
	}
}

func TestPipelineRetriesFailedDelivery(t *testing.T) {
	fd := &fakeDeliverer{failures: 2}
	p := NewPipeline(mailConfig(), fd, nil)
	p.retryDelay = 5 * time.Millisecond
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	s := inboundFrom("sim1")
	p.Enqueue(s)

	waitFor(t, "eventual delivery", func() bool { return len(fd.sentMails()) == 1 })
	if got := fd.sentMails()[0].sms.ID; got != s.ID {
		t.Errorf("delivered SMS %q, want %q", got, s.ID)
	}
	if got := fd.checks(); got != 2 {
		t.Errorf("health checks = %d, want 2 (one per failed attempt)", got)
	}
}

func TestPipelineChecksHealthWhenIdle(t *testing.T) {
	fd := &fakeDeliverer{}
	p := NewPipeline(mailConfig(), fd, nil)
	p.pollInterval = 10 * time.Millisecond
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	waitFor(t, "idle health check", func() bool { return fd.checks() >= 1 })
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	fd := &fakeDeliverer{}
	p := NewPipeline(mailConfig(), fd, nil)

	for i := 0; i < queueSize+5; i++ {
		p.Enqueue(inboundFrom("sim1"))
	}
	if len(p.queue) != queueSize {
		t.Errorf("queue length = %d, want %d", len(p.queue), queueSize)
	}
}

func TestPipelineLifecycle(t *testing.T) {
	fd := &fakeDeliverer{}
	p := NewPipeline(mailConfig(), fd, nil)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	p.Stop()
	p.Stop()
}
