// Package generate produces comment bodies. A Generator may fail at any time;
// Composer turns every failure into a deterministic templated comment.
package generate

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"tgninja/pkg/logx"
)

// Generator writes a comment for source text posted in the channel named label.
type Generator interface {
	Generate(ctx context.Context, source, label string) (string, error)
}

// ErrGeneration matches every *GenerationError.
var ErrGeneration = errors.New("generate: generation failed")

type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return "generate: " + e.Reason
	}
	return "generate: " + e.Reason + ": " + e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// Disabled is the Generator used when no model is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, string) (string, error) {
	return "", &GenerationError{Reason: "generation disabled"}
}

// DefaultTemplate is used when a comment job has no template of its own.
const DefaultTemplate = "{emoji} {post_text}"

var emojis = []string{
	"😊", "👍", "🔥", "💯", "✨", "🎯", "💪", "🚀", "⭐", "👏",
	"🤔", "💭", "📝", "🎉", "🌟", "💡", "🔔", "📢", "🎊", "🙌",
}

// Emoji picks an emoji from a hash of text, so the same post always gets the same one.
func Emoji(text string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return emojis[h.Sum32()%uint32(len(emojis))]
}

// Render fills template. post is cut to maxPost runes with a trailing
// ellipsis; maxPost <= 0 keeps it whole. Both {emoji} and {random_emoji} are
// accepted.
func Render(template, post, channel string, maxPost int) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultTemplate
	}
	e := Emoji(post)
	r := strings.NewReplacer(
		"{post_text}", truncate(post, maxPost),
		"{channel_name}", channel,
		"{emoji}", e,
		"{random_emoji}", e,
	)
	return strings.TrimSpace(r.Replace(template))
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

type ComposerConfig struct {
	MinLen int
	MaxLen int
}

// Composer asks the generator first and falls back to the template when it
// fails or returns text outside [MinLen, MaxLen] runes.
type Composer struct {
	gen Generator
	cfg ComposerConfig
	log logx.Logger
}

func NewComposer(gen Generator, cfg ComposerConfig, log logx.Logger) *Composer {
	if gen == nil {
		gen = Disabled{}
	}
	if cfg.MinLen <= 0 {
		cfg.MinLen = 10
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Composer{gen: gen, cfg: cfg, log: log}
}

// Compose never fails. generated reports whether the model's text was used.
func (c *Composer) Compose(ctx context.Context, post, channel, template string) (text string, generated bool) {
	out, err := c.gen.Generate(ctx, post, channel)
	if err == nil {
		out = strings.TrimSpace(out)
		n := utf8.RuneCountInString(out)
		if n >= c.cfg.MinLen && n <= c.cfg.MaxLen {
			return out, true
		}
		c.log.Debug("generated comment out of bounds, using template", logx.Int("len", n))
		return Render(template, post, channel, 100), false
	}
	if !errors.Is(err, ErrGeneration) {
		err = &GenerationError{Reason: "unexpected error", Err: err}
	}
	c.log.Warn("comment generation failed, using template", logx.String("channel", channel), logx.Err(err))
	return Render(template, post, channel, 50), false
}
