package telegram

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/delivery"
	"relaybot/pkg/logx"
)

// Client implements delivery.Client on top of a telebot bot handle.
// It owns no retry logic; every API failure is classified into the
// delivery outcome taxonomy and returned as-is.
type Client struct {
	bot *tele.Bot
	log logx.Logger
}

func NewClient(token string, log logx.Logger) (*Client, error) {
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &Client{bot: b, log: log}, nil
}

// Wrap adapts an existing bot handle (e.g. one the command layer already
// runs) without creating a second API session.
func Wrap(b *tele.Bot, log logx.Logger) *Client {
	return &Client{bot: b, log: log}
}

func (c *Client) Forward(ctx context.Context, dest, source int64, itemID int) (int, error) {
	src := tele.StoredMessage{MessageID: strconv.Itoa(itemID), ChatID: source}
	m, err := c.bot.Forward(tele.ChatID(dest), src)
	if err != nil {
		return 0, classify(err)
	}
	return m.ID, nil
}

// Copy goes through the raw API so the caption override (watermarking) is
// available; telebot's typed Copy does not expose it. copyMessage has no
// link-preview parameter, so previews on copies follow the source message.
func (c *Client) Copy(ctx context.Context, dest, source int64, itemID int, opts delivery.CopyOptions) (int, error) {
	params := map[string]any{
		"chat_id":      dest,
		"from_chat_id": source,
		"message_id":   itemID,
	}
	if opts.Caption != "" {
		params["caption"] = opts.Caption
	}
	data, err := c.bot.Raw("copyMessage", params)
	if err != nil {
		return 0, classify(err)
	}
	var resp struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	return resp.Result.MessageID, nil
}

func (c *Client) Send(ctx context.Context, dest int64, content delivery.Content) (int, error) {
	opts := &tele.SendOptions{DisableWebPagePreview: content.NoPreview}
	if rm := buttonMarkup(content.Buttons); rm != nil {
		opts.ReplyMarkup = rm
	}

	var what any
	switch content.Kind {
	case delivery.ContentPhoto:
		what = &tele.Photo{File: tele.File{FileID: content.FileID}, Caption: content.Text}
	case delivery.ContentVideo:
		what = &tele.Video{File: tele.File{FileID: content.FileID}, Caption: content.Text}
	case delivery.ContentDocument:
		what = &tele.Document{File: tele.File{FileID: content.FileID}, Caption: content.Text}
	default:
		what = content.Text
	}

	m, err := c.bot.Send(tele.ChatID(dest), what, opts)
	if err != nil {
		return 0, classify(err)
	}
	return m.ID, nil
}

func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	msg := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: chatID}
	if err := c.bot.Delete(msg); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) Ban(ctx context.Context, chatID, userID int64, until time.Time) error {
	member := &tele.ChatMember{
		User:            &tele.User{ID: userID},
		RestrictedUntil: until.Unix(),
	}
	if err := c.bot.Ban(&tele.Chat{ID: chatID}, member); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) Unban(ctx context.Context, chatID, userID int64) error {
	if err := c.bot.Unban(&tele.Chat{ID: chatID}, &tele.User{ID: userID}); err != nil {
		return classify(err)
	}
	return nil
}

func buttonMarkup(rows [][]delivery.Button) *tele.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	kb := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		r := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			r = append(r, tele.InlineButton{Text: b.Text, URL: b.URL})
		}
		kb = append(kb, r)
	}
	rm.InlineKeyboard = kb
	return rm
}
