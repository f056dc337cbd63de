package chat_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/hookchat/internal/config"
	model "github.com/zhouzirui/hookchat/internal/model/chat"
	"github.com/zhouzirui/hookchat/internal/render"
	chat "github.com/zhouzirui/hookchat/internal/service/chat"
	"github.com/zhouzirui/hookchat/internal/service/events"
	"github.com/zhouzirui/hookchat/internal/service/imageload"
	"github.com/zhouzirui/hookchat/internal/service/webhook"
)

type replierFunc func(ctx context.Context, req model.ReplyRequest) (string, error)

func (f replierFunc) Reply(ctx context.Context, req model.ReplyRequest) (string, error) {
	return f(ctx, req)
}

type recordingScheduler struct {
	mu    sync.Mutex
	tasks []imageload.Task
}

func (r *recordingScheduler) Schedule(_ context.Context, task imageload.Task, _ imageload.ResolveFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
}

func (r *recordingScheduler) Tasks() []imageload.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]imageload.Task(nil), r.tasks...)
}

func staticReply(text string) replierFunc {
	return func(context.Context, model.ReplyRequest) (string, error) { return text, nil }
}

func newService(t *testing.T, replier chat.Replier, opts chat.Options) (*chat.Service, *recordingScheduler, string) {
	t.Helper()
	sched := &recordingScheduler{}
	svc := chat.NewService(replier, sched, events.NewHub(), opts)
	snap, err := svc.CreateWidget(context.Background())
	require.NoError(t, err)
	return svc, sched, snap.ID
}

func TestSendHelloRoundTrip(t *testing.T) {
	release := make(chan struct{})
	var got model.ReplyRequest
	replier := replierFunc(func(_ context.Context, req model.ReplyRequest) (string, error) {
		got = req
		<-release
		return "hi", nil
	})
	svc, _, widgetID := newService(t, replier, chat.Options{})
	ctx := context.Background()

	before, err := svc.Snapshot(ctx, widgetID)
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, before.State)

	done := make(chan chat.SendResult, 1)
	go func() {
		res, err := svc.Send(ctx, widgetID, "  hello  ")
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(ctx, widgetID)
		return snap.State == model.StateAwaitingReply
	}, time.Second, 5*time.Millisecond)

	status, err := svc.Draft(ctx, widgetID, "another")
	require.NoError(t, err)
	assert.False(t, status.CanSend)

	ignored, err := svc.Send(ctx, widgetID, "second")
	require.NoError(t, err)
	assert.False(t, ignored.Accepted)

	snap, _ := svc.Snapshot(ctx, widgetID)
	assert.Len(t, snap.Messages, 1)

	close(release)
	res := <-done

	assert.True(t, res.Accepted)
	assert.Equal(t, model.StateIdle, res.State)
	assert.Equal(t, before.Session.ID, got.SessionID)
	assert.Equal(t, "hello", got.Input)

	snap, _ = svc.Snapshot(ctx, widgetID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, model.SenderUser, snap.Messages[0].Sender)
	assert.Equal(t, "hello", snap.Messages[0].Content)
	assert.Equal(t, model.SenderAssistant, snap.Messages[1].Sender)
	assert.Equal(t, "hi", snap.Messages[1].Content)
	assert.Equal(t, "<p>hi</p>", snap.Messages[1].HTML)
	assert.Equal(t, model.StateIdle, snap.State)

	status, _ = svc.Draft(ctx, widgetID, "another")
	assert.True(t, status.CanSend)
}

func TestSendFailureShowsNoticeAndApology(t *testing.T) {
	replier := replierFunc(func(context.Context, model.ReplyRequest) (string, error) {
		return "", &webhook.RequestError{Status: 500}
	})
	svc, _, widgetID := newService(t, replier, chat.Options{NoticeTimeout: time.Hour})
	ctx := context.Background()

	res, err := svc.Send(ctx, widgetID, "hello")

	require.Error(t, err)
	assert.True(t, errors.Is(err, chat.ErrRequestFailed))
	assert.True(t, errors.Is(err, webhook.ErrRequestFailed))
	assert.True(t, res.Accepted)
	require.NotNil(t, res.Reply)
	assert.True(t, res.Reply.IsError)

	snap, _ := svc.Snapshot(ctx, widgetID)
	require.Len(t, snap.Messages, 2)
	last := snap.Messages[1]
	assert.Equal(t, model.SenderAssistant, last.Sender)
	assert.True(t, last.IsError)
	assert.Equal(t, chat.FailureReply, last.Content)
	assert.True(t, snap.Notice.Visible)
	assert.Equal(t, chat.FailureNotice, snap.Notice.Message)
	assert.Equal(t, model.StateIdle, snap.State)
}

func TestNoticeAutoHides(t *testing.T) {
	replier := replierFunc(func(context.Context, model.ReplyRequest) (string, error) {
		return "", errors.New("boom")
	})
	svc, _, widgetID := newService(t, replier, chat.Options{NoticeTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, _ = svc.Send(ctx, widgetID, "hello")

	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(ctx, widgetID)
		return !snap.Notice.Visible
	}, time.Second, 5*time.Millisecond)
}

func TestDismissNotice(t *testing.T) {
	replier := replierFunc(func(context.Context, model.ReplyRequest) (string, error) {
		return "", errors.New("boom")
	})
	svc, _, widgetID := newService(t, replier, chat.Options{NoticeTimeout: time.Hour})
	ctx := context.Background()

	_, _ = svc.Send(ctx, widgetID, "hello")
	require.NoError(t, svc.DismissNotice(ctx, widgetID))

	snap, _ := svc.Snapshot(ctx, widgetID)
	assert.False(t, snap.Notice.Visible)
}

func TestSendEmptyInput(t *testing.T) {
	svc, _, widgetID := newService(t, staticReply("x"), chat.Options{})

	_, err := svc.Send(context.Background(), widgetID, "   \n ")
	assert.ErrorIs(t, err, chat.ErrEmptyInput)

	snap, _ := svc.Snapshot(context.Background(), widgetID)
	assert.Empty(t, snap.Messages)
}

func TestUnknownWidget(t *testing.T) {
	svc, _, _ := newService(t, staticReply("x"), chat.Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, "missing", "hello")
	assert.ErrorIs(t, err, chat.ErrWidgetNotFound)
	_, err = svc.NewSession(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrWidgetNotFound)
	assert.ErrorIs(t, svc.CloseWidget(ctx, "missing"), chat.ErrWidgetNotFound)
}

func TestNewSessionReplacesIDAndClears(t *testing.T) {
	svc, _, widgetID := newService(t, staticReply("hi"), chat.Options{})
	ctx := context.Background()

	before, _ := svc.Snapshot(ctx, widgetID)
	_, err := svc.Send(ctx, widgetID, "hello")
	require.NoError(t, err)

	session, err := svc.NewSession(ctx, widgetID)
	require.NoError(t, err)
	assert.NotEqual(t, before.Session.ID, session.ID)

	snap, _ := svc.Snapshot(ctx, widgetID)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, session.ID, snap.Session.ID)
}

func TestReplyAfterResetLandsInNewSession(t *testing.T) {
	release := make(chan struct{})
	replier := replierFunc(func(context.Context, model.ReplyRequest) (string, error) {
		<-release
		return "late", nil
	})
	svc, _, widgetID := newService(t, replier, chat.Options{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = svc.Send(ctx, widgetID, "hello")
	}()
	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(ctx, widgetID)
		return snap.State == model.StateAwaitingReply
	}, time.Second, 5*time.Millisecond)

	session, err := svc.NewSession(ctx, widgetID)
	require.NoError(t, err)

	snap, _ := svc.Snapshot(ctx, widgetID)
	assert.Equal(t, model.StateAwaitingReply, snap.State)

	close(release)
	<-done

	snap, _ = svc.Snapshot(ctx, widgetID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "late", snap.Messages[0].Content)
	assert.Equal(t, session.ID, snap.Messages[0].SessionID)
	assert.Equal(t, model.StateIdle, snap.State)
}

func TestDiscardStaleReplies(t *testing.T) {
	release := make(chan struct{})
	replier := replierFunc(func(context.Context, model.ReplyRequest) (string, error) {
		<-release
		return "late", nil
	})
	svc, _, widgetID := newService(t, replier, chat.Options{DiscardStaleReplies: true})
	ctx := context.Background()

	done := make(chan chat.SendResult, 1)
	go func() {
		res, _ := svc.Send(ctx, widgetID, "hello")
		done <- res
	}()
	require.Eventually(t, func() bool {
		snap, _ := svc.Snapshot(ctx, widgetID)
		return snap.State == model.StateAwaitingReply
	}, time.Second, 5*time.Millisecond)

	_, err := svc.NewSession(ctx, widgetID)
	require.NoError(t, err)
	close(release)
	res := <-done

	assert.Nil(t, res.Reply)
	snap, _ := svc.Snapshot(ctx, widgetID)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, model.StateIdle, snap.State)
}

func TestImagePlaceholderScheduledOnce(t *testing.T) {
	svc, sched, widgetID := newService(t, staticReply("look https://cdn.example/cat.png"), chat.Options{})
	ctx := context.Background()

	res, err := svc.Send(ctx, widgetID, "show me")
	require.NoError(t, err)

	tasks := sched.Tasks()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, widgetID, task.WidgetID)
	assert.Equal(t, "https://cdn.example/cat.png", task.URL)
	assert.Equal(t, 1, strings.Count(res.Reply.HTML, `id="`+task.PlaceholderID+`"`))

	assert.True(t, svc.ResolveImage(task, "<img>"))
	assert.False(t, svc.ResolveImage(task, "<img>"))

	snap, _ := svc.Snapshot(ctx, widgetID)
	require.Len(t, snap.Images, 1)
	assert.True(t, snap.Images[0].Resolved)
	assert.Equal(t, "<img>", snap.Images[0].Markup)
}

func TestResolveImageAfterResetIsNoop(t *testing.T) {
	svc, sched, widgetID := newService(t, staticReply("https://cdn.example/cat.png"), chat.Options{})
	ctx := context.Background()

	_, err := svc.Send(ctx, widgetID, "show me")
	require.NoError(t, err)
	_, err = svc.NewSession(ctx, widgetID)
	require.NoError(t, err)

	tasks := sched.Tasks()
	require.Len(t, tasks, 1)
	assert.False(t, svc.ResolveImage(tasks[0], "<img>"))
}

func TestEventsPublishedInOrder(t *testing.T) {
	hub := events.NewHub()
	svc := chat.NewService(staticReply("hi"), &recordingScheduler{}, hub, chat.Options{})
	ctx := context.Background()
	snap, err := svc.CreateWidget(ctx)
	require.NoError(t, err)

	ch, cancel := hub.Subscribe(snap.ID)
	defer cancel()

	_, err = svc.Send(ctx, snap.ID, "hello")
	require.NoError(t, err)

	var types []string
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []string{events.TypeState, events.TypeMessage, events.TypeMessage, events.TypeState}, types)
}

func TestSweepIdleClosesOldWidgets(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	svc, _, widgetID := newService(t, staticReply("hi"), chat.Options{IdleTTL: time.Minute, Now: clock})

	assert.Zero(t, svc.SweepIdle())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, svc.SweepIdle())
	assert.Zero(t, svc.Widgets())

	_, err := svc.Snapshot(context.Background(), widgetID)
	assert.ErrorIs(t, err, chat.ErrWidgetNotFound)
}

func TestInputStatusFor(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		state model.State
		want  model.InputStatus
	}{
		{"empty", "", model.StateIdle, model.InputStatus{Length: 0, Level: model.CounterNormal}},
		{"blank", "   ", model.StateIdle, model.InputStatus{Length: 3, Level: model.CounterNormal}},
		{"normal", "hello", model.StateIdle, model.InputStatus{Length: 5, Level: model.CounterNormal, CanSend: true}},
		{"at soft limit", strings.Repeat("a", 700), model.StateIdle, model.InputStatus{Length: 700, Level: model.CounterNormal, CanSend: true}},
		{"warning", strings.Repeat("a", 701), model.StateIdle, model.InputStatus{Length: 701, Level: model.CounterWarning, CanSend: true}},
		{"danger", strings.Repeat("a", 901), model.StateIdle, model.InputStatus{Length: 901, Level: model.CounterDanger, CanSend: true}},
		{"awaiting", "hello", model.StateAwaitingReply, model.InputStatus{Length: 5, Level: model.CounterNormal}},
		{"runes", "héllo", model.StateIdle, model.InputStatus{Length: 5, Level: model.CounterNormal, CanSend: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, chat.InputStatusFor(tc.text, tc.state))
		})
	}
}

func TestRunClosesWidgetsOnShutdown(t *testing.T) {
	hub := events.NewHub()
	svc := chat.NewService(staticReply("hi"), &recordingScheduler{}, hub, chat.Options{IdleTTL: time.Hour})
	snap, err := svc.CreateWidget(context.Background())
	require.NoError(t, err)
	ch, cancelSub := hub.Subscribe(snap.ID)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	cancel()
	<-done

	assert.Zero(t, svc.Widgets())
	_, open := <-ch
	assert.False(t, open)
}

func TestSweepIdleKeepsWidgetsWithConnectedPage(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	hub := events.NewHub()
	svc := chat.NewService(staticReply("hi"), &recordingScheduler{}, hub, chat.Options{IdleTTL: time.Minute, Now: clock})
	ctx := context.Background()

	attached, err := svc.CreateWidget(ctx)
	require.NoError(t, err)
	detached, err := svc.CreateWidget(ctx)
	require.NoError(t, err)

	ch, cancel := hub.Subscribe(attached.ID)
	defer cancel()

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, svc.SweepIdle())

	_, err = svc.Snapshot(ctx, attached.ID)
	assert.NoError(t, err)
	_, err = svc.Snapshot(ctx, detached.ID)
	assert.ErrorIs(t, err, chat.ErrWidgetNotFound)

	assert.Equal(t, 1, hub.Subscribers(attached.ID))
	assert.Empty(t, ch)

	cancel()
	now = now.Add(2 * time.Hour)
	assert.Equal(t, 1, svc.SweepIdle())
	assert.Zero(t, svc.Widgets())
}

func TestUserImagesAreNotFetchedByServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	}))
	defer srv.Close()

	loader := imageload.NewLoader(config.ImageConfig{
		LoadDelay:         time.Millisecond,
		ProbeTimeout:      time.Second,
		MaxConcurrent:     1,
		AllowPrivateHosts: true,
	})
	svc := chat.NewService(staticReply("ok"), loader, events.NewHub(), chat.Options{})
	ctx := context.Background()
	snap, err := svc.CreateWidget(ctx)
	require.NoError(t, err)

	typed := srv.URL + "/admin/delete?confirm=1&x=.png"
	_, err = svc.Send(ctx, snap.ID, "see "+typed)
	require.NoError(t, err)
	loader.Wait()

	assert.Zero(t, hits.Load())

	got, err := svc.Snapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, got.Images, 1)
	assert.True(t, got.Images[0].Resolved)
	assert.Equal(t, render.ImageMarkup(typed, "Image"), got.Images[0].Markup)
}

func TestAssistantImagesAreCheckedByServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0})
	}))
	defer srv.Close()

	loader := imageload.NewLoader(config.ImageConfig{
		LoadDelay:         time.Millisecond,
		ProbeTimeout:      time.Second,
		MaxConcurrent:     1,
		AllowPrivateHosts: true,
	})
	svc := chat.NewService(staticReply("here "+srv.URL+"/cat.png"), loader, events.NewHub(), chat.Options{})
	ctx := context.Background()
	snap, err := svc.CreateWidget(ctx)
	require.NoError(t, err)

	_, err = svc.Send(ctx, snap.ID, "show me a cat")
	require.NoError(t, err)
	loader.Wait()

	assert.Equal(t, int32(1), hits.Load())

	got, err := svc.Snapshot(ctx, snap.ID)
	require.NoError(t, err)
	require.Len(t, got.Images, 1)
	assert.True(t, got.Images[0].Resolved)
	assert.Equal(t, render.ImageMarkup(srv.URL+"/cat.png", "Image"), got.Images[0].Markup)
}
