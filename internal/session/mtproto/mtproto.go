// Package mtproto drives a session as a user account over MTProto. The
// stored credential is a Telethon string session; the app id and hash come
// from configuration.
//
// Targets are resolved by public username or t.me link only. Numeric ids
// and private invite links fail the item.
package mtproto

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message/peer"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"tgninja/internal/session"
	"tgninja/pkg/logx"
)

// pageSize is the largest participants page the server returns.
const pageSize = 200

type Config struct {
	AppID       int
	AppHash     string
	DialTimeout time.Duration
}

var errNotAuthorized = errors.New("session is not authorized")

type Dialer struct {
	cfg Config
	log logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Dialer{cfg: cfg, log: log.With(logx.Component("mtproto"))}
}

// Dial decodes the session, connects and checks authorization. The
// connection stays up until Close.
func (d *Dialer) Dial(ctx context.Context, accountRef, credential string) (session.Adapter, error) {
	data, err := tdsession.TelethonSession(strings.TrimSpace(credential))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "account %s: decode session", accountRef), session.ErrImpaired)
	}
	storage := new(tdsession.StorageMemory)
	if err := (&tdsession.Loader{Storage: storage}).Save(ctx, data); err != nil {
		return nil, errors.Wrapf(err, "account %s: load session", accountRef)
	}
	client := telegram.NewClient(d.cfg.AppID, d.cfg.AppHash, telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		api:    client.API(),
		cancel: cancel,
		done:   make(chan struct{}),
		peers:  make(map[string]tg.InputPeerClass),
	}
	a.resolver = peer.DefaultResolver(a.api)

	ready := make(chan error, 1)
	go func() {
		defer close(a.done)
		err := client.Run(runCtx, func(ctx context.Context) error {
			st, err := client.Auth().Status(ctx)
			if err != nil {
				return err
			}
			if !st.Authorized {
				return errNotAuthorized
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		if err == nil {
			err = errors.New("client stopped")
		}
		select {
		case ready <- err:
		default:
		}
	}()

	timer := time.NewTimer(d.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		if err != nil {
			_ = a.Close()
			return nil, dialError(accountRef, err)
		}
	case <-ctx.Done():
		_ = a.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = a.Close()
		return nil, errors.Newf("account %s: connect timed out after %s", accountRef, d.cfg.DialTimeout)
	}
	d.log.Debug("session connected", logx.Account(accountRef))
	return a, nil
}

func dialError(accountRef string, err error) error {
	wrapped := errors.Wrapf(err, "account %s: connect", accountRef)
	if errors.Is(err, errNotAuthorized) || classify(err).Class == session.SessionFatal {
		return errors.Mark(wrapped, session.ErrImpaired)
	}
	return wrapped
}

type domainResolver interface {
	ResolveDomain(ctx context.Context, domain string) (tg.InputPeerClass, error)
}

// Adapter implements session.Adapter over one user session.
type Adapter struct {
	api      *tg.Client
	resolver domainResolver
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	peers map[string]tg.InputPeerClass
}

// domain reduces "@name", "t.me/name" and "https://t.me/name" to "name".
// Invite links and numeric ids yield "".
func domain(ref string) string {
	s := strings.TrimSpace(ref)
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	for _, p := range []string{"t.me/", "telegram.me/"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "@")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "joinchat") {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' || s[0] == '-' {
		return ""
	}
	return strings.ToLower(s)
}

func (a *Adapter) resolve(ctx context.Context, ref string) (tg.InputPeerClass, session.Result) {
	name := domain(ref)
	if name == "" {
		return nil, session.Failed("only public usernames can be resolved", nil)
	}
	a.mu.Lock()
	p, ok := a.peers[name]
	a.mu.Unlock()
	if ok {
		return p, session.OK()
	}
	p, err := a.resolver.ResolveDomain(ctx, name)
	if err != nil {
		return nil, classify(err)
	}
	a.mu.Lock()
	a.peers[name] = p
	a.mu.Unlock()
	return p, session.OK()
}

func (a *Adapter) InviteMember(ctx context.Context, group session.Group, who session.Identity) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	target, res := a.resolve(ctx, string(group))
	if !res.OK() {
		return res
	}
	up, res := a.resolve(ctx, string(who))
	if !res.OK() {
		return res
	}
	u, ok := up.(*tg.InputPeerUser)
	if !ok {
		return session.Failed("invitee is not a user", nil)
	}
	user := &tg.InputUser{UserID: u.UserID, AccessHash: u.AccessHash}

	var err error
	switch p := target.(type) {
	case *tg.InputPeerChannel:
		_, err = a.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
			Channel: &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash},
			Users:   []tg.InputUserClass{user},
		})
	case *tg.InputPeerChat:
		_, err = a.api.MessagesAddChatUser(ctx, &tg.MessagesAddChatUserRequest{
			ChatID: p.ChatID,
			UserID: user,
		})
	default:
		return session.Failed("target is not a group", nil)
	}
	return classify(err)
}

func (a *Adapter) SendMessage(ctx context.Context, group session.Group, text string) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	p, res := a.resolve(ctx, string(group))
	if !res.OK() {
		return res
	}
	_, err := a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     p,
		Message:  text,
		RandomID: randomID(),
	})
	return classify(err)
}

// PostComment replies to post in the channel's linked discussion group.
func (a *Adapter) PostComment(ctx context.Context, channel session.Group, text string, replyTo int) session.Result {
	if err := ctx.Err(); err != nil {
		return session.Blocked(0, "cancelled")
	}
	p, res := a.resolve(ctx, string(channel))
	if !res.OK() {
		return res
	}
	disc, err := a.api.MessagesGetDiscussionMessage(ctx, &tg.MessagesGetDiscussionMessageRequest{
		Peer:  p,
		MsgID: replyTo,
	})
	if err != nil {
		return classify(err)
	}
	thread, ok := discussionThread(disc)
	if !ok {
		return session.Failed("post has no discussion thread", nil)
	}
	_, err = a.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     thread.peer,
		Message:  text,
		RandomID: randomID(),
		ReplyTo:  &tg.InputReplyToMessage{ReplyToMsgID: thread.msgID},
	})
	return classify(err)
}

type threadRef struct {
	peer  tg.InputPeerClass
	msgID int
}

// discussionThread picks the thread root: the lowest message id, posted in
// a channel the response also describes.
func discussionThread(d *tg.MessagesDiscussionMessage) (threadRef, bool) {
	if d == nil {
		return threadRef{}, false
	}
	var root *tg.Message
	for _, m := range d.Messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		if root == nil || msg.ID < root.ID {
			root = msg
		}
	}
	if root == nil {
		return threadRef{}, false
	}
	pc, ok := root.PeerID.(*tg.PeerChannel)
	if !ok {
		return threadRef{}, false
	}
	for _, c := range d.Chats {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == pc.ChannelID {
			return threadRef{
				peer:  &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
				msgID: root.ID,
			}, true
		}
	}
	return threadRef{}, false
}

// FetchMembers pages through a supergroup's participants. The cursor is the
// participant offset.
func (a *Adapter) FetchMembers(ctx context.Context, group session.Group, cursor session.Cursor) (session.Page, session.Result) {
	if err := ctx.Err(); err != nil {
		return session.Page{}, session.Blocked(0, "cancelled")
	}
	p, res := a.resolve(ctx, string(group))
	if !res.OK() {
		return session.Page{}, res
	}
	ch, ok := p.(*tg.InputPeerChannel)
	if !ok {
		return session.Page{}, session.Failed("member lists need a supergroup", nil)
	}
	resp, err := a.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
		Filter:  &tg.ChannelParticipantsSearch{},
		Offset:  int(cursor),
		Limit:   pageSize,
	})
	if err != nil {
		return session.Page{}, classify(err)
	}
	parts, ok := resp.(*tg.ChannelsChannelParticipants)
	if !ok {
		return session.Page{Done: true}, session.OK()
	}
	return participantsPage(parts, cursor), session.OK()
}

func participantsPage(parts *tg.ChannelsChannelParticipants, cursor session.Cursor) session.Page {
	page := session.Page{
		Next: cursor + session.Cursor(len(parts.Participants)),
		Done: len(parts.Participants) < pageSize,
	}
	for _, u := range parts.Users {
		user, ok := u.(*tg.User)
		if !ok || user.Bot || user.Deleted {
			continue
		}
		page.Members = append(page.Members, session.Member{
			ID:        user.ID,
			Username:  user.Username,
			FirstName: user.FirstName,
			LastName:  user.LastName,
		})
	}
	return page
}

func (a *Adapter) RecentPosts(ctx context.Context, channel session.Group, limit int) ([]session.Post, session.Result) {
	if err := ctx.Err(); err != nil {
		return nil, session.Blocked(0, "cancelled")
	}
	p, res := a.resolve(ctx, string(channel))
	if !res.OK() {
		return nil, res
	}
	resp, err := a.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: p, Limit: limit})
	if err != nil {
		return nil, classify(err)
	}
	return historyPosts(resp), session.OK()
}

func historyPosts(resp tg.MessagesMessagesClass) []session.Post {
	var msgs []tg.MessageClass
	switch r := resp.(type) {
	case *tg.MessagesMessages:
		msgs = r.Messages
	case *tg.MessagesMessagesSlice:
		msgs = r.Messages
	case *tg.MessagesChannelMessages:
		msgs = r.Messages
	}
	posts := make([]session.Post, 0, len(msgs))
	for _, m := range msgs {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		posts = append(posts, session.Post{
			ID:   msg.ID,
			Text: msg.Message,
			At:   time.Unix(int64(msg.Date), 0).UTC(),
		})
	}
	return posts
}

// Close disconnects and waits for the client to stop.
func (a *Adapter) Close() error {
	a.cancel()
	<-a.done
	return nil
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func classify(err error) session.Result {
	if err == nil {
		return session.OK()
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return session.Blocked(d, "flood wait")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return session.Blocked(0, "request timed out")
	}
	if rpc, ok := tgerr.As(err); ok {
		return session.ClassifyError(rpc.Message, err)
	}
	return session.ClassifyError(err.Error(), err)
}
