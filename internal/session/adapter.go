// Package session is the boundary to the external platform.
//
// An Adapter wraps one authenticated session and performs single actions.
// It never sleeps or retries: every call returns a Result whose Class tells
// the executor what happened, and all pacing lives in the governor and the
// executor.
package session

import (
	"context"
	"time"
)

// Group addresses a group or channel: "@name", a numeric id, or an invite link.
type Group string

// Identity addresses a user: "@username" or a numeric id.
type Identity string

// Cursor is an opaque paging position for FetchMembers. Zero starts over.
type Cursor int

type Member struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// Page is one FetchMembers response. Next is meaningful only when Done is false.
type Page struct {
	Members []Member
	Next    Cursor
	Done    bool
}

// Post is one channel message a comment may reply to.
type Post struct {
	ID   int
	Text string
	At   time.Time
}

type Adapter interface {
	InviteMember(ctx context.Context, group Group, who Identity) Result
	SendMessage(ctx context.Context, group Group, text string) Result
	FetchMembers(ctx context.Context, group Group, cursor Cursor) (Page, Result)
	PostComment(ctx context.Context, channel Group, text string, replyTo int) Result
	RecentPosts(ctx context.Context, channel Group, limit int) ([]Post, Result)
	Close() error
}

// Dialer opens an Adapter from a decrypted credential.
type Dialer interface {
	Dial(ctx context.Context, accountRef, credential string) (Adapter, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, accountRef, credential string) (Adapter, error)

func (f DialerFunc) Dial(ctx context.Context, accountRef, credential string) (Adapter, error) {
	return f(ctx, accountRef, credential)
}
