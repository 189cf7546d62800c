package cwmp

import "sync"

// Notification is a parameter value change pending report to the ACS. The
// session engine folds the pending set into the ParameterList of the next
// Inform alongside the mandatory device parameters.
type Notification struct {
	Parameter string
	Value     string
	Type      string
}

// NotificationList accumulates value-change notifications between sessions.
// A parameter appears at most once: a second change before delivery
// overwrites the stored value in place.
type NotificationList struct {
	mu      sync.Mutex
	pending []Notification
}

// NewNotificationList returns an empty list.
func NewNotificationList() *NotificationList {
	return &NotificationList{}
}

// Upsert records a value change. If the parameter is already pending its
// value and type are replaced and added is false.
func (l *NotificationList) Upsert(parameter, value, typ string) (added bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.pending {
		if l.pending[i].Parameter == parameter {
			l.pending[i].Value = value
			l.pending[i].Type = typ
			return false
		}
	}
	l.pending = append(l.pending, Notification{Parameter: parameter, Value: value, Type: typ})
	return true
}

// Snapshot returns a copy of the pending set in insertion order. Entries
// stay pending until Clear: a session that fails to deliver its Inform
// must re-report the same notifications on retry.
func (l *NotificationList) Snapshot() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Notification, len(l.pending))
	copy(out, l.pending)
	return out
}

// Clear drops all pending notifications. Called once the ACS has
// acknowledged the Inform that carried them.
func (l *NotificationList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = nil
}

// Len returns the number of pending notifications.
func (l *NotificationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
