// Package progress forwards scheduler progress snapshots to NATS so other
// processes can follow a run.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/mattsolo1/grove-tracks/pkg/orchestration"
)

// DefaultSubject is the subject prefix snapshots are published under.
const DefaultSubject = "tracks.progress"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subj string, data []byte) error
}

// Event is the payload published for each snapshot.
type Event struct {
	RunID    string                         `json:"run_id"`
	Snapshot orchestration.ProgressSnapshot `json:"snapshot"`
	Final    bool                           `json:"final"`
}

// Publisher publishes snapshots to <subject>.<runID>.
type Publisher struct {
	conn    Conn
	subject string
	logger  *logrus.Entry
}

// NewPublisher creates a publisher over conn.
func NewPublisher(conn Conn, subject string, logger *logrus.Entry) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Publisher{conn: conn, subject: subject, logger: logger.WithField("component", "progress")}
}

// Connect dials a NATS server and returns a publisher with its connection.
// The caller drains the connection when done.
func Connect(url, subject string, logger *logrus.Entry) (*Publisher, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("grove-tracks"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(10),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return NewPublisher(conn, subject, logger), conn, nil
}

// Subject returns the subject used for runID.
func (p *Publisher) Subject(runID string) string {
	return p.subject + "." + runID
}

// Publish sends one snapshot.
func (p *Publisher) Publish(runID string, snap orchestration.ProgressSnapshot, final bool) error {
	data, err := json.Marshal(Event{RunID: runID, Snapshot: snap, Final: final})
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(runID), data); err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	return nil
}

// Forward publishes every snapshot from updates until the channel closes or
// ctx is done. The last snapshot is published again marked final. Publish
// errors are logged and do not stop forwarding.
func (p *Publisher) Forward(ctx context.Context, runID string, updates <-chan orchestration.ProgressSnapshot) {
	var last orchestration.ProgressSnapshot
	var seen bool
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				if seen {
					if err := p.Publish(runID, last, true); err != nil {
						p.logger.WithError(err).Warn("failed to publish final progress")
					}
				}
				return
			}
			last, seen = snap, true
			if err := p.Publish(runID, snap, false); err != nil {
				p.logger.WithError(err).Debug("failed to publish progress")
			}
		}
	}
}
