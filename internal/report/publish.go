package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"pkt.systems/subexec/schema"
)

// Envelope is the published form of a record.
type Envelope struct {
	schema.ResultRecord
	SubmissionID schema.SubmissionID `json:"submission_id"`
	RunID        string              `json:"run_id"`
}

// Publisher announces finished records.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Conn is the part of a NATS connection the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSPublisher publishes records as JSON on a NATS subject.
type NATSPublisher struct {
	conn    Conn
	subject string
	close   func()
}

// DialNATS connects to url and returns a publisher for subject.
func DialNATS(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		return nil, errors.New("report: nats subject is required")
	}
	nc, err := nats.Connect(url, nats.Name("subexec"), nats.Timeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("report: nats connect: %w", err)
	}
	p := NewNATSPublisher(nc, subject)
	p.close = nc.Close
	return p, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

// Publish sends env and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, b); err != nil {
		return fmt.Errorf("report: publish %s: %w", p.subject, err)
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return p.conn.FlushTimeout(timeout)
}

// Close releases the connection if the publisher dialed it.
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}
