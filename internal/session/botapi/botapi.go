// Package botapi drives a session through the Telegram Bot API. The stored
// credential is a bot token.
//
// The Bot API cannot read channel history, list members or add users by
// username, so RecentPosts returns no posts, FetchMembers returns the
// administrators only and InviteMember only approves pending join requests
// of numeric user ids. Deployments that need those operations run the
// mtproto driver instead.
package botapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"tgninja/internal/session"
)

type Config struct {
	APIURL  string
	Timeout time.Duration
}

// Dialer opens Bot API sessions. It never calls the network itself.
type Dialer struct {
	cfg    Config
	client *http.Client
}

func NewDialer(cfg Config) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Dialer{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (d *Dialer) Dial(_ context.Context, accountRef, token string) (session.Adapter, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.Mark(errors.Newf("account %s: empty bot token", accountRef), session.ErrImpaired)
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     d.cfg.APIURL,
		Token:   token,
		Client:  d.client,
		Offline: true,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "account %s: init bot", accountRef)
	}
	return &Adapter{bot: b}, nil
}

// Adapter implements session.Adapter over one bot.
type Adapter struct {
	bot *tele.Bot
}

type chatRef string

func (c chatRef) Recipient() string { return string(c) }

func (a *Adapter) SendMessage(ctx context.Context, group session.Group, text string) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	_, err := a.bot.Send(chatRef(group), text)
	return classify(err)
}

func (a *Adapter) PostComment(ctx context.Context, channel session.Group, text string, replyTo int) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	opts := &tele.SendOptions{}
	if replyTo > 0 {
		opts.ReplyTo = &tele.Message{ID: replyTo}
	}
	_, err := a.bot.Send(chatRef(channel), text, opts)
	return classify(err)
}

func (a *Adapter) InviteMember(ctx context.Context, group session.Group, who session.Identity) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(who)), 10, 64)
	if err != nil {
		return session.Failed("bot sessions can only approve numeric user ids", nil)
	}
	return classify(a.bot.ApproveJoinRequest(chatRef(group), &tele.User{ID: id}))
}

// FetchMembers returns the administrators of group as a single page; the
// Bot API exposes no full member list.
func (a *Adapter) FetchMembers(ctx context.Context, group session.Group, cursor session.Cursor) (session.Page, session.Result) {
	if cursor > 0 {
		return session.Page{Done: true}, session.OK()
	}
	if err := ctx.Err(); err != nil {
		return session.Page{}, session.Blocked(0, "cancelled")
	}
	chat, err := a.bot.ChatByUsername(string(group))
	if err != nil {
		return session.Page{}, classify(err)
	}
	admins, err := a.bot.AdminsOf(chat)
	if err != nil {
		return session.Page{}, classify(err)
	}
	page := session.Page{Next: 1}
	for _, m := range admins {
		if m.User == nil {
			continue
		}
		page.Members = append(page.Members, session.Member{
			ID:        m.User.ID,
			Username:  m.User.Username,
			FirstName: m.User.FirstName,
			LastName:  m.User.LastName,
		})
	}
	return page, session.OK()
}

func (a *Adapter) RecentPosts(context.Context, session.Group, int) ([]session.Post, session.Result) {
	return nil, session.OK()
}

func (a *Adapter) Close() error { return nil }

func classify(err error) session.Result {
	if err == nil {
		return session.OK()
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return session.Blocked(time.Duration(flood.RetryAfter)*time.Second, "flood wait")
	}
	switch {
	case errors.Is(err, tele.ErrUnauthorized):
		return session.Fatal("unauthorized", err)
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrNoRightsToSend),
		errors.Is(err, tele.ErrBlockedByUser):
		return session.Failed(err.Error(), err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch te.Code {
		case http.StatusUnauthorized:
			return session.Fatal("unauthorized", err)
		case http.StatusTooManyRequests:
			return session.ClassifyError(te.Error(), err)
		}
		return session.ClassifyError(te.Description, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return session.Blocked(0, "request timed out")
	}
	return session.ClassifyError(err.Error(), err)
}
