package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

const subjectPrefix = "tgcc.events."

// NATSBus mirrors events over a NATS connection so supervisors can follow
// daemons on other hosts. Selected by configuring global.nats_url.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATS connects to the given NATS URL.
func NewNATS(url string, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("tgcc"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSBus{
		conn: conn,
		log:  log.WithFields(zap.String("component", "bus"), zap.String("nats_url", url)),
	}, nil
}

func subjectFor(agentID, sessionID string) string {
	if sessionID == "" {
		sessionID = "none"
	}
	return subjectPrefix + agentID + "." + sessionID
}

// Publish sends the event on tgcc.events.<agent>.<session>.
func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(subjectFor(ev.AgentID, ev.SessionID), data)
}

// Subscribe maps the filter onto a NATS subject subscription; the wildcard
// session filter becomes a subject wildcard.
func (b *NATSBus) Subscribe(filter string, h Handler) (Subscription, error) {
	agentID, sessionID, ok := splitFilter(filter)
	if !ok {
		return nil, fmt.Errorf("invalid filter %q", filter)
	}
	subject := subjectPrefix + agentID + "."
	if sessionID == "*" {
		subject += "*"
	} else {
		subject += sessionID
	}

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.log.Warn("undecodable bus event dropped", zap.Error(err))
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return natsSub{sub}, nil
}

type natsSub struct{ sub *nats.Subscription }

func (s natsSub) Unsubscribe() error { return s.sub.Unsubscribe() }

// Close drains and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
