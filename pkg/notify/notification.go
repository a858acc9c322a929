// Package notify publishes operator notifications (boot, crash recovery,
// circuit breaker, stuck and failed turns) as watermill messages.
package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const DefaultTopic = "turnguard.notifications"

type Kind string

const (
	KindBoot           Kind = "boot"
	KindCrashRecovered Kind = "crash_recovered"
	KindCircuitOpen    Kind = "circuit_open"
	KindTurnStuck      Kind = "turn_stuck"
	KindTurnFailed     Kind = "turn_failed"
	KindShutdown       Kind = "shutdown"
)

type Notification struct {
	ID      string            `json:"id"`
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	At      time.Time         `json:"at"`
}

func New(kind Kind, message string, fields map[string]string) Notification {
	return Notification{Kind: kind, Message: message, Fields: fields, At: time.Now()}
}

// Format renders the notification on one line with fields sorted by key.
func (n Notification) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", n.Kind, n.Message)
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, n.Fields[k])
	}
	return b.String()
}
