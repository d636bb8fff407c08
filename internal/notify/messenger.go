// Package notify consumes the admin job queue and fans messages out to
// subscribers: power transition notices and operator broadcasts.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Messenger delivers one text to one chat. Implementations wrap delivery
// failures in *SendError so the notifier can tell transient from permanent.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// SendError classifies a delivery failure. Permanent means the chat is gone
// for good (user blocked the bot, account deleted) and retrying is pointless.
type SendError struct {
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent send failure: %v", e.Err)
	}
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent delivery failure.
// Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Permanent
}

// LogMessenger logs messages instead of delivering them. It is the default
// when no bot token is configured, keeping the pipeline observable in
// development.
type LogMessenger struct{}

func (LogMessenger) SendText(_ context.Context, chatID int64, text string) error {
	slog.Info("message (dry run)", "chat_id", chatID, "text", text)
	return nil
}
