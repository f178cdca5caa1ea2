package mtproto

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgninja/internal/session"
	"tgninja/pkg/logx"
)

func TestClassifyRPCErrors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, session.Success, classify(nil).Class)

	res := classify(errors.Wrap(tgerr.New(420, "FLOOD_WAIT_30"), "invite"))
	assert.Equal(t, session.SessionTemporaryBlock, res.Class)
	assert.Equal(t, 30*time.Second, res.Wait)

	assert.Equal(t, session.ItemAlreadySatisfied, classify(tgerr.New(400, "USER_ALREADY_PARTICIPANT")).Class)
	assert.Equal(t, session.ItemPermanentFailure, classify(tgerr.New(403, "USER_PRIVACY_RESTRICTED")).Class)
	assert.Equal(t, session.SessionFatal, classify(tgerr.New(401, "AUTH_KEY_UNREGISTERED")).Class)
	assert.Equal(t, session.SessionTemporaryBlock, classify(tgerr.New(400, "PEER_FLOOD")).Class)
	assert.Equal(t, session.SessionTemporaryBlock, classify(context.Canceled).Class)
}

func TestDomainNormalization(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"@Group":                    "group",
		"t.me/chan":                 "chan",
		"https://t.me/chan/12":      "chan",
		"https://t.me/+AbCdEf":      "",
		"https://t.me/joinchat/xyz": "",
		"123456":                    "",
		"-100123":                   "",
		"  ":                        "",
	}
	for in, want := range cases {
		assert.Equal(t, want, domain(in), in)
	}
}

type fakeResolver struct {
	peers map[string]tg.InputPeerClass
	calls int
}

func (f *fakeResolver) ResolveDomain(_ context.Context, name string) (tg.InputPeerClass, error) {
	f.calls++
	if p, ok := f.peers[name]; ok {
		return p, nil
	}
	return nil, tgerr.New(400, "USERNAME_NOT_OCCUPIED")
}

func newTestAdapter(r *fakeResolver) *Adapter {
	return &Adapter{resolver: r, peers: make(map[string]tg.InputPeerClass)}
}

func TestResolveCachesAndRejectsUnresolvable(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{peers: map[string]tg.InputPeerClass{
		"chan": &tg.InputPeerChannel{ChannelID: 1, AccessHash: 2},
	}}
	a := newTestAdapter(r)

	p, res := a.resolve(context.Background(), "@chan")
	require.True(t, res.OK())
	assert.Equal(t, int64(1), p.(*tg.InputPeerChannel).ChannelID)
	_, res = a.resolve(context.Background(), "https://t.me/chan")
	require.True(t, res.OK())
	assert.Equal(t, 1, r.calls)

	_, res = a.resolve(context.Background(), "@missing")
	assert.Equal(t, session.ItemPermanentFailure, res.Class)

	_, res = a.resolve(context.Background(), "42")
	assert.Equal(t, session.ItemPermanentFailure, res.Class)
	assert.Equal(t, 2, r.calls)
}

func TestInviteRejectsNonUserAndNonGroup(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{peers: map[string]tg.InputPeerClass{
		"chan":  &tg.InputPeerChannel{ChannelID: 1, AccessHash: 2},
		"alice": &tg.InputPeerUser{UserID: 7, AccessHash: 8},
	}}
	a := newTestAdapter(r)

	res := a.InviteMember(context.Background(), "@chan", "@chan")
	assert.Equal(t, session.ItemPermanentFailure, res.Class)
	assert.Equal(t, "invitee is not a user", res.Reason)

	res = a.InviteMember(context.Background(), "@alice", "@alice")
	assert.Equal(t, "target is not a group", res.Reason)
}

func TestParticipantsPageSkipsBotsAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	parts := &tg.ChannelsChannelParticipants{
		Participants: []tg.ChannelParticipantClass{
			&tg.ChannelParticipant{UserID: 1},
			&tg.ChannelParticipant{UserID: 2},
			&tg.ChannelParticipant{UserID: 3},
		},
		Users: []tg.UserClass{
			&tg.User{ID: 1, Username: "alice", FirstName: "Alice"},
			&tg.User{ID: 2, Bot: true},
			&tg.User{ID: 3, Deleted: true},
		},
	}
	page := participantsPage(parts, 200)
	assert.Equal(t, session.Cursor(203), page.Next)
	assert.True(t, page.Done)
	require.Len(t, page.Members, 1)
	assert.Equal(t, session.Member{ID: 1, Username: "alice", FirstName: "Alice"}, page.Members[0])
}

func TestHistoryPostsAndDiscussionThread(t *testing.T) {
	t.Parallel()
	posts := historyPosts(&tg.MessagesChannelMessages{Messages: []tg.MessageClass{
		&tg.Message{ID: 9, Message: "hello", Date: 1700000000},
		&tg.MessageService{ID: 8},
	}})
	require.Len(t, posts, 1)
	assert.Equal(t, 9, posts[0].ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), posts[0].At)

	thread, ok := discussionThread(&tg.MessagesDiscussionMessage{
		Messages: []tg.MessageClass{
			&tg.Message{ID: 50, PeerID: &tg.PeerChannel{ChannelID: 5}},
			&tg.Message{ID: 40, PeerID: &tg.PeerChannel{ChannelID: 5}},
		},
		Chats: []tg.ChatClass{&tg.Channel{ID: 5, AccessHash: 6}},
	})
	require.True(t, ok)
	assert.Equal(t, 40, thread.msgID)
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 5, AccessHash: 6}, thread.peer)

	_, ok = discussionThread(&tg.MessagesDiscussionMessage{})
	assert.False(t, ok)
}

func TestDialRejectsMalformedSession(t *testing.T) {
	t.Parallel()
	d := NewDialer(Config{AppID: 1, AppHash: "hash"}, logx.Nop())
	_, err := d.Dial(context.Background(), "acc", "not-a-session")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrImpaired))
}
