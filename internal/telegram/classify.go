package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/delivery"
)

// classify maps a telebot error onto the delivery outcome taxonomy.
//
// Matching is by code and description substrings rather than telebot's
// sentinel list: the Bot API wording drifts between server versions and
// unknown descriptions come back as plain errors anyway.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &delivery.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	desc := strings.ToLower(err.Error())
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		desc = strings.ToLower(apiErr.Description)
	}

	switch {
	case strings.Contains(desc, "blocked by the user"),
		strings.Contains(desc, "user is deactivated"),
		strings.Contains(desc, "can't initiate conversation"):
		return fmt.Errorf("%w: %s", delivery.ErrRecipientBlocked, desc)

	case strings.Contains(desc, "message to forward not found"),
		strings.Contains(desc, "message to copy not found"),
		strings.Contains(desc, "message can't be forwarded"),
		strings.Contains(desc, "message to delete not found"):
		return fmt.Errorf("%w: %s", delivery.ErrUnforwardable, desc)

	case strings.Contains(desc, "chat not found"),
		strings.Contains(desc, "bot was kicked"),
		strings.Contains(desc, "group chat was deactivated"),
		strings.Contains(desc, "group chat was upgraded"):
		return fmt.Errorf("%w: %s", delivery.ErrDestinationGone, desc)

	case strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "have no rights"),
		strings.Contains(desc, "chat_write_forbidden"),
		strings.Contains(desc, "user is an administrator"),
		strings.Contains(desc, "chat_admin_required"):
		return fmt.Errorf("%w: %s", delivery.ErrPermissionDenied, desc)
	}

	// Unknown API or transport error: transient, worth a bounded retry.
	return err
}
