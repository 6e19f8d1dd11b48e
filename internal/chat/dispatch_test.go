package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/amurg-ai/huddle/internal/ai"
)

func TestParseTrigger(t *testing.T) {
	d := NewDispatcher(nil, DispatchConfig{})
	tests := []struct {
		body   string
		prompt string
		ok     bool
	}{
		{"@ai what is 2+2", "what is 2+2", true},
		{"@AI   hello  ", "hello", true},
		{"  @Ai\tsummarize this", "summarize this", true},
		{"@ai\nmultiline\nprompt", "multiline\nprompt", true},
		{"@ai", "", false},
		{"@ai    ", "", false},
		{"@aibot hi", "", false},
		{"hey @ai hi", "", false},
		{"@a", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		prompt, ok := d.ParseTrigger(tt.body)
		assert.Equal(t, tt.ok, ok, "body %q", tt.body)
		assert.Equal(t, tt.prompt, prompt, "body %q", tt.body)
	}
}

func TestParseTriggerCustomPrefix(t *testing.T) {
	d := NewDispatcher(nil, DispatchConfig{Trigger: "/ask"})
	prompt, ok := d.ParseTrigger("/ASK why")
	assert.True(t, ok)
	assert.Equal(t, "why", prompt)

	_, ok = d.ParseTrigger("@ai why")
	assert.False(t, ok)
}

func TestDispatcherDefaults(t *testing.T) {
	d := NewDispatcher(nil, DispatchConfig{})
	assert.Equal(t, 30*time.Second, d.Timeout())
	o := d.complete(context.Background(), "x")
	assert.Equal(t, AIFailed, o.status)
	assert.ErrorIs(t, o.err, ai.ErrProviderDisabled)
}

func TestCompleteOutcomes(t *testing.T) {
	d := NewDispatcher(ai.ProviderFunc(func(ctx context.Context, p string) (string, error) {
		switch p {
		case "ok":
			return " fine ", nil
		case "fail":
			return "", errors.New("quota exceeded")
		default:
			<-ctx.Done()
			return "", ctx.Err()
		}
	}), DispatchConfig{Timeout: 20 * time.Millisecond})

	ctx := context.Background()
	o := d.complete(ctx, "ok")
	assert.Equal(t, AICompleted, o.status)
	kind, body := d.replyBody(o)
	assert.Equal(t, KindAISuccess, kind)
	assert.Equal(t, "fine", body)

	o = d.complete(ctx, "fail")
	kind, body = d.replyBody(o)
	assert.Equal(t, AIFailed, o.status)
	assert.Equal(t, KindAIFailure, kind)
	assert.Equal(t, "AI request failed: quota exceeded", body)

	tctx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()
	o = d.complete(tctx, "hang")
	assert.Equal(t, AITimedOut, o.status)
	_, body = d.replyBody(o)
	assert.Equal(t, "AI did not respond within 20ms", body)

	cctx, cancel2 := context.WithCancel(ctx)
	cancel2()
	o = d.complete(cctx, "hang")
	assert.Equal(t, AIFailed, o.status)
	assert.ErrorIs(t, o.err, context.Canceled)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "pending", AIPending.String())
	assert.Equal(t, "timed_out", AITimedOut.String())
	assert.Equal(t, "ai_failure", KindAIFailure.String())

	k, err := ParseKind("system")
	assert.NoError(t, err)
	assert.Equal(t, KindSystem, k)
	_, err = ParseKind("bogus")
	assert.Error(t, err)
}

func TestRing(t *testing.T) {
	r := newRing(3)
	assert.Empty(t, r.items())
	for i := int64(1); i <= 5; i++ {
		r.push(&Message{Seq: i})
	}
	assert.Equal(t, 3, r.len())
	var seqs []int64
	for _, m := range r.items() {
		seqs = append(seqs, m.Seq)
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs)

	zero := newRing(0)
	zero.push(&Message{Seq: 1})
	assert.Equal(t, 0, zero.len())
	assert.Empty(t, zero.items())
}
