package alert

import (
	"encoding/json"
	"time"

	"github.com/basislab/hedgecore/internal/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Severity string

const (
	SevWarn     Severity = "warn"
	SevCritical Severity = "critical"
)

// Alert is emitted on every state transition of meaningful severity: WARN
// and above, any breaker trip, every unwind stage.
type Alert struct {
	Severity Severity  `json:"severity"`
	VaultID  string    `json:"vault_id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	TS       time.Time `json:"ts"`
}

// Sink is the pluggable alert destination. Emit must not block the cycle
// for long and must never panic.
type Sink interface {
	Emit(a Alert)
}

// LogSink writes alerts to the structured log. Always present.
type LogSink struct{}

func (LogSink) Emit(a Alert) {
	log := logger.With("vault_id", a.VaultID, "kind", a.Kind, "severity", string(a.Severity))
	if a.Severity == SevCritical {
		log.Error("ALERT: " + a.Message)
		return
	}
	log.Warn("ALERT: " + a.Message)
}

// NATSSink publishes JSON alerts to <subjectBase>.<vault_id>. Publish
// failures are logged and dropped; alerting must not take down the loop.
type NATSSink struct {
	conn        *nats.Conn
	subjectBase string
}

func NewNATSSink(url, subjectBase string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if subjectBase == "" {
		subjectBase = "hedge.alerts"
	}
	return &NATSSink{conn: conn, subjectBase: subjectBase}, nil
}

func (s *NATSSink) Emit(a Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := s.conn.Publish(s.subjectBase+"."+a.VaultID, payload); err != nil {
		logger.Warn("alert publish failed", "vault_id", a.VaultID, "error", err)
	}
}

func (s *NATSSink) Close() {
	s.conn.Drain()
}

// Fanout emits to every configured sink.
type Fanout []Sink

func (f Fanout) Emit(a Alert) {
	for _, s := range f {
		s.Emit(a)
	}
}

// Emit is a convenience for constructing and sending in one call.
func Emit(sink Sink, sev Severity, vaultID, kind, msg string) {
	if sink == nil {
		sink = LogSink{}
	}
	sink.Emit(Alert{
		Severity: sev,
		VaultID:  vaultID,
		Kind:     kind,
		Message:  msg,
		TS:       time.Now().UTC(),
	})
}
