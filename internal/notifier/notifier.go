// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram, email).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	RetryWithNotification(action func() error, description string) error
}

// Noop discards all notifications. Used when no notifier is configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (Noop) Send(msg string) error          { return nil }
func (Noop) SendWithRetry(msg string) error { return nil }

func (Noop) RetryWithNotification(action func() error, description string) error {
	return action()
}
