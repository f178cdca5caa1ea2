// Package sessiontest provides a scripted session.Adapter.
package sessiontest

import (
	"context"
	"sync"

	"tgninja/internal/session"
)

// Call records one adapter invocation.
type Call struct {
	Op     string
	Target string
	Arg    string
}

// Fake returns scripted Results per target, then Success once a script runs
// dry. It doubles as a Dialer that always hands out itself.
type Fake struct {
	mu sync.Mutex

	calls   []Call
	scripts map[string][]session.Result
	posts   map[session.Group][]session.Post
	pages   map[session.Group][][]session.Member

	// OnCall, when set, runs before every scripted action.
	OnCall func(c Call)
}

func New() *Fake {
	return &Fake{
		scripts: map[string][]session.Result{},
		posts:   map[session.Group][]session.Post{},
		pages:   map[session.Group][][]session.Member{},
	}
}

func key(op, target string) string { return op + "|" + target }

func (f *Fake) script(op, target string, rs []session.Result) *Fake {
	f.mu.Lock()
	k := key(op, target)
	f.scripts[k] = append(f.scripts[k], rs...)
	f.mu.Unlock()
	return f
}

// ScriptInvite queues results for invites of who.
func (f *Fake) ScriptInvite(who string, rs ...session.Result) *Fake {
	return f.script("invite", who, rs)
}

// ScriptSend queues results for messages to group.
func (f *Fake) ScriptSend(group string, rs ...session.Result) *Fake {
	return f.script("send", group, rs)
}

// ScriptComment queues results for comments in channel.
func (f *Fake) ScriptComment(channel string, rs ...session.Result) *Fake {
	return f.script("comment", channel, rs)
}

// ScriptFetch queues results for member fetches of group. A non-success
// result is returned instead of the next page.
func (f *Fake) ScriptFetch(group string, rs ...session.Result) *Fake {
	return f.script("fetch", group, rs)
}

// ScriptPosts queues results for post reads of channel.
func (f *Fake) ScriptPosts(channel string, rs ...session.Result) *Fake {
	return f.script("posts", channel, rs)
}

func (f *Fake) SetPosts(channel string, posts ...session.Post) *Fake {
	f.mu.Lock()
	f.posts[session.Group(channel)] = posts
	f.mu.Unlock()
	return f
}

// SetMembers installs the member pages of group; paging ends after the last one.
func (f *Fake) SetMembers(group string, pages ...[]session.Member) *Fake {
	f.mu.Lock()
	f.pages[session.Group(group)] = pages
	f.mu.Unlock()
	return f
}

func (f *Fake) next(op, target, arg string) session.Result {
	c := Call{Op: op, Target: target, Arg: arg}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	hook := f.OnCall
	k := key(op, target)
	q := f.scripts[k]
	res := session.OK()
	if len(q) > 0 {
		res = q[0]
		f.scripts[k] = q[1:]
	}
	f.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return res
}

func (f *Fake) InviteMember(_ context.Context, group session.Group, who session.Identity) session.Result {
	return f.next("invite", string(who), string(group))
}

func (f *Fake) SendMessage(_ context.Context, group session.Group, text string) session.Result {
	return f.next("send", string(group), text)
}

func (f *Fake) PostComment(_ context.Context, channel session.Group, text string, _ int) session.Result {
	return f.next("comment", string(channel), text)
}

func (f *Fake) FetchMembers(_ context.Context, group session.Group, cursor session.Cursor) (session.Page, session.Result) {
	res := f.next("fetch", string(group), "")
	if !res.OK() {
		return session.Page{}, res
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pages := f.pages[group]
	i := int(cursor)
	if i < 0 || i >= len(pages) {
		return session.Page{Done: true}, res
	}
	return session.Page{
		Members: append([]session.Member(nil), pages[i]...),
		Next:    cursor + 1,
	}, res
}

func (f *Fake) RecentPosts(_ context.Context, channel session.Group, limit int) ([]session.Post, session.Result) {
	res := f.next("posts", string(channel), "")
	if !res.OK() {
		return nil, res
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.posts[channel]
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return append([]session.Post(nil), ps...), res
}

func (f *Fake) Close() error { return nil }

// Dial implements session.Dialer.
func (f *Fake) Dial(context.Context, string, string) (session.Adapter, error) { return f, nil }

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Count returns how many calls of op were made.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}
