package delivery

import (
	"context"
	"time"
)

// ContentKind selects the send operation for broadcast payloads.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
)

// Button is a single inline URL button attached to broadcast content.
type Button struct {
	Text string
	URL  string
}

// Content is the payload of a one-shot broadcast message.
type Content struct {
	Kind      ContentKind
	Text      string // message text, or caption for media kinds
	FileID    string // platform file reference for media kinds
	Buttons   [][]Button
	NoPreview bool // suppress link previews on text sends
}

// CopyOptions controls the attribution-stripping copy operation. The
// platform's copy call offers no link-preview switch, so previews on
// copies always follow the source message.
type CopyOptions struct {
	// Caption replaces the source caption when non-empty (watermarking).
	Caption string
}

// Client is the narrow surface of the messaging platform the engine needs.
// Implementations classify every failure into the outcome taxonomy in this
// package; callers branch on Classify, never on transport errors.
type Client interface {
	// Forward re-posts item itemID from source into dest with attribution.
	// Returns the delivered message id.
	Forward(ctx context.Context, dest, source int64, itemID int) (int, error)
	// Copy re-posts without attribution.
	Copy(ctx context.Context, dest, source int64, itemID int, opts CopyOptions) (int, error)
	// Send delivers standalone content (broadcasts, announcements, notices).
	Send(ctx context.Context, dest int64, content Content) (int, error)
	// Delete removes a previously delivered message. Best effort.
	Delete(ctx context.Context, chatID int64, messageID int) error
	// Ban and Unban implement the platform's kick primitive:
	// ban-then-immediately-unban revokes membership without a lasting block.
	Ban(ctx context.Context, chatID, userID int64, until time.Time) error
	Unban(ctx context.Context, chatID, userID int64) error
}

// Registry resolves the running bot handle that owns a rule or job. The
// engine never starts or stops bot connections itself.
type Registry interface {
	Running(botID int64) (Client, bool)
}
