package events

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"
)

// NATSMirror forwards every bus event to a NATS subject derived from
// the event kind: studio.events.<kind>. Forwarding is best effort; a
// broker outage never blocks a publisher.
type NATSMirror struct {
	conn          *nats.Conn
	subjectPrefix string
}

func NewNATSMirror(conn *nats.Conn) *NATSMirror {
	return &NATSMirror{conn: conn, subjectPrefix: "studio.events."}
}

func (m *NATSMirror) Forward(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[events] marshal %s: %v", evt.Kind, err)
		return
	}
	if err := m.conn.Publish(m.subjectPrefix+string(evt.Kind), data); err != nil {
		log.Printf("[events] nats publish %s: %v", evt.Kind, err)
	}
}
