package botapi

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"tgninja/internal/session"
)

func TestClassifyTelebotErrors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, session.Success, classify(nil).Class)
	assert.Equal(t, session.SessionFatal, classify(tele.ErrUnauthorized).Class)
	assert.Equal(t, session.ItemPermanentFailure, classify(tele.ErrChatNotFound).Class)
	assert.Equal(t, session.ItemPermanentFailure, classify(errors.Wrap(tele.ErrBlockedByUser, "send")).Class)

	res := classify(errors.New("telegram: Too Many Requests: retry after 12 (429)"))
	assert.Equal(t, session.SessionTemporaryBlock, res.Class)
	assert.Equal(t, "12s", res.Wait.String())

	assert.Equal(t, session.SessionTemporaryBlock, classify(context.DeadlineExceeded).Class)
}

func TestClassifyFloodAndSendRights(t *testing.T) {
	t.Parallel()
	res := classify(tele.FloodError{RetryAfter: 7})
	assert.Equal(t, session.SessionTemporaryBlock, res.Class)
	assert.Equal(t, 7*time.Second, res.Wait)

	assert.Equal(t, session.ItemPermanentFailure, classify(tele.ErrNoRightsToSend).Class)
	assert.Equal(t, session.ItemPermanentFailure, classify(errors.Wrap(tele.ErrNoRightsToSend, "send")).Class)
}

func TestDialRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	_, err := NewDialer(Config{}).Dial(context.Background(), "acc", " ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrImpaired))
}

func TestInviteNeedsNumericIdentity(t *testing.T) {
	t.Parallel()
	a, err := NewDialer(Config{}).Dial(context.Background(), "acc", "123:abc")
	require.NoError(t, err)
	res := a.InviteMember(context.Background(), "@group", "@someone")
	assert.Equal(t, session.ItemPermanentFailure, res.Class)
}
