package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/hookchat/internal/logger"
	"github.com/zhouzirui/hookchat/internal/model/chat"
	"github.com/zhouzirui/hookchat/internal/render"
	"github.com/zhouzirui/hookchat/internal/service/events"
	"github.com/zhouzirui/hookchat/internal/service/imageload"
)

var (
	ErrWidgetNotFound = errors.New("widget not found")
	ErrEmptyInput     = errors.New("message is empty")
	ErrRequestFailed  = errors.New("request failed")
)

const (
	FailureNotice = "Failed to send message. Please try again."
	FailureReply  = "Sorry, I encountered an error while processing your request. Please try again."

	CounterWarningAbove = 700
	CounterDangerAbove  = 900

	defaultNoticeTimeout = 5 * time.Second
	maxSweepInterval     = time.Minute
)

// Replier produces the assistant text for one user send.
type Replier interface {
	Reply(ctx context.Context, req chat.ReplyRequest) (string, error)
}

// ImageScheduler starts deferred placeholder loads.
type ImageScheduler interface {
	Schedule(ctx context.Context, task imageload.Task, resolve imageload.ResolveFunc)
}

// Publisher pushes widget events to connected pages.
type Publisher interface {
	Publish(widgetID, eventType string, data any)
}

// subscriberCounter is implemented by publishers that know which widgets have a page attached.
type subscriberCounter interface {
	Subscribers(widgetID string) int
}

// Options tune a Service. Zero values fall back to defaults.
type Options struct {
	// DiscardStaleReplies drops replies whose session was reset while they were in flight.
	DiscardStaleReplies bool
	NoticeTimeout       time.Duration
	// IdleTTL is how long an untouched widget survives the sweeper. Zero disables sweeping.
	IdleTTL time.Duration

	Renderer     *render.Renderer
	NewSessionID func() string
	Now          func() time.Time
}

// SendResult reports what a send did. Accepted is false when the widget was awaiting a reply.
type SendResult struct {
	Accepted bool          `json:"accepted"`
	User     *chat.Message `json:"user,omitempty"`
	Reply    *chat.Message `json:"reply,omitempty"`
	State    chat.State    `json:"state"`
}

// Service owns every mounted widget: its session, request gate, messages and notice.
type Service struct {
	mu      sync.RWMutex
	widgets map[string]*widget

	replier Replier
	images  ImageScheduler
	events  Publisher
	opts    Options
	log     zerolog.Logger
}

type widget struct {
	mu sync.Mutex

	id         string
	session    chat.Session
	state      chat.State
	messages   []chat.Message
	images     map[string]*chat.Image
	imageOrder []string

	notice      chat.Notice
	noticeTimer *time.Timer
	noticeGen   uint64

	imageCtx     context.Context
	cancelImages context.CancelFunc

	lastActive time.Time
	closed     bool
}

// NewService wires the widget controller to its reply backend, image loader and event sink.
func NewService(replier Replier, images ImageScheduler, publisher Publisher, opts Options) *Service {
	if opts.NoticeTimeout <= 0 {
		opts.NoticeTimeout = defaultNoticeTimeout
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New(nil)
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		widgets: make(map[string]*widget),
		replier: replier,
		images:  images,
		events:  publisher,
		opts:    opts,
		log:     logger.Component("chat"),
	}
}

// CreateWidget mounts a new widget with a fresh session.
func (s *Service) CreateWidget(_ context.Context) (chat.Snapshot, error) {
	w := &widget{
		id:     uuid.NewString(),
		state:  chat.StateIdle,
		images: make(map[string]*chat.Image),
	}
	w.session = s.newSession()
	w.imageCtx, w.cancelImages = context.WithCancel(context.Background())
	w.lastActive = s.opts.Now()

	s.mu.Lock()
	s.widgets[w.id] = w
	s.mu.Unlock()

	s.log.Info().Str("widget", w.id).Str("session", w.session.ID).Msg("widget created")

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(), nil
}

// Snapshot returns the current view of a widget.
func (s *Service) Snapshot(_ context.Context, widgetID string) (chat.Snapshot, error) {
	w, err := s.lookup(widgetID)
	if err != nil {
		return chat.Snapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActive = s.opts.Now()
	return w.snapshot(), nil
}

// NewSession replaces the session id and clears the message list whatever the current state.
// A request already in flight is not cancelled.
func (s *Service) NewSession(_ context.Context, widgetID string) (chat.Session, error) {
	w, err := s.lookup(widgetID)
	if err != nil {
		return chat.Session{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.session.ID
	w.session = s.newSession()
	w.messages = nil
	w.images = make(map[string]*chat.Image)
	w.imageOrder = nil
	w.cancelImages()
	w.imageCtx, w.cancelImages = context.WithCancel(context.Background())
	w.lastActive = s.opts.Now()

	s.events.Publish(w.id, events.TypeSession, w.session)
	s.events.Publish(w.id, events.TypeCleared, nil)

	s.log.Info().
		Str("widget", w.id).
		Str("previous", previous).
		Str("session", w.session.ID).
		Str("state", string(w.state)).
		Msg("session reset")
	return w.session, nil
}

// Send appends the user message, asks the replier once and appends its answer. While a reply
// is pending further sends are ignored and return Accepted=false.
func (s *Service) Send(ctx context.Context, widgetID, input string) (SendResult, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return SendResult{}, ErrEmptyInput
	}

	w, err := s.lookup(widgetID)
	if err != nil {
		return SendResult{}, err
	}

	w.mu.Lock()
	if w.state == chat.StateAwaitingReply {
		state := w.state
		w.mu.Unlock()
		s.log.Debug().Str("widget", widgetID).Msg("send ignored, reply pending")
		return SendResult{Accepted: false, State: state}, nil
	}

	w.state = chat.StateAwaitingReply
	w.lastActive = s.opts.Now()
	sessionID := w.session.ID
	history := append([]chat.Message(nil), w.messages...)
	s.events.Publish(w.id, events.TypeState, w.state)

	userMsg, userImages := s.appendLocked(w, chat.SenderUser, text, false)
	// Images the user typed are left to the browser; only assistant images are probed here.
	s.resolveInlineLocked(w, userImages)
	w.mu.Unlock()

	reply, replyErr := s.replier.Reply(ctx, chat.ReplyRequest{
		SessionID: sessionID,
		Input:     text,
		History:   history,
	})

	w.mu.Lock()
	result := SendResult{Accepted: true, User: &userMsg}
	stale := w.session.ID != sessionID
	drop := w.closed || (stale && s.opts.DiscardStaleReplies)

	var replyImages []render.Image
	switch {
	case replyErr != nil:
		s.log.Error().Err(replyErr).Str("widget", w.id).Str("session", sessionID).Msg("reply failed")
		if !w.closed {
			s.showNoticeLocked(w, FailureNotice)
		}
		if !drop {
			msg, imgs := s.appendLocked(w, chat.SenderAssistant, FailureReply, true)
			result.Reply, replyImages = &msg, imgs
		}
	case drop:
		s.log.Info().Str("widget", w.id).Str("session", sessionID).Msg("discarding reply for reset session")
	default:
		msg, imgs := s.appendLocked(w, chat.SenderAssistant, reply, false)
		result.Reply, replyImages = &msg, imgs
	}

	if stale && !drop {
		s.log.Warn().
			Str("widget", w.id).
			Str("requested", sessionID).
			Str("session", w.session.ID).
			Msg("reply arrived after session reset")
	}

	w.state = chat.StateIdle
	w.lastActive = s.opts.Now()
	result.State = w.state
	if !w.closed {
		s.events.Publish(w.id, events.TypeState, w.state)
	}
	imageCtx := w.imageCtx
	w.mu.Unlock()

	s.scheduleImages(imageCtx, w.id, replyImages)

	if replyErr != nil {
		return result, fmt.Errorf("%w: %w", ErrRequestFailed, replyErr)
	}
	return result, nil
}

// Draft reports the character counter and send availability for the text being typed.
func (s *Service) Draft(_ context.Context, widgetID, text string) (chat.InputStatus, error) {
	w, err := s.lookup(widgetID)
	if err != nil {
		return chat.InputStatus{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActive = s.opts.Now()
	return InputStatusFor(text, w.state), nil
}

// InputStatusFor computes the counter level for text; sending needs non-blank text and an idle widget.
func InputStatusFor(text string, state chat.State) chat.InputStatus {
	length := utf8.RuneCountInString(text)
	level := chat.CounterNormal
	switch {
	case length > CounterDangerAbove:
		level = chat.CounterDanger
	case length > CounterWarningAbove:
		level = chat.CounterWarning
	}
	return chat.InputStatus{
		Length:  length,
		Level:   level,
		CanSend: strings.TrimSpace(text) != "" && state == chat.StateIdle,
	}
}

// DismissNotice hides the error notice.
func (s *Service) DismissNotice(_ context.Context, widgetID string) error {
	w, err := s.lookup(widgetID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastActive = s.opts.Now()
	s.hideNoticeLocked(w)
	return nil
}

// ResolveImage swaps a loaded placeholder. It returns false when the placeholder no longer exists.
func (s *Service) ResolveImage(task imageload.Task, markup string) bool {
	w, err := s.lookup(task.WidgetID)
	if err != nil {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.images[task.PlaceholderID]
	if !ok || slot.Resolved {
		return false
	}
	slot.Markup = markup
	slot.Resolved = true

	s.events.Publish(w.id, events.TypeImage, *slot)
	return true
}

// CloseWidget unmounts a widget and stops its timers and image loads.
func (s *Service) CloseWidget(_ context.Context, widgetID string) error {
	s.mu.Lock()
	w, ok := s.widgets[widgetID]
	if ok {
		delete(s.widgets, widgetID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrWidgetNotFound
	}

	s.shutdown(w)
	s.log.Info().Str("widget", widgetID).Msg("widget closed")
	return nil
}

// Run sweeps idle widgets until ctx is done, then closes every remaining widget.
func (s *Service) Run(ctx context.Context) {
	defer s.closeAll()

	if s.opts.IdleTTL <= 0 {
		<-ctx.Done()
		return
	}

	interval := s.opts.IdleTTL
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.SweepIdle(); n > 0 {
				s.log.Info().Int("count", n).Int("remaining", s.Widgets()).Msg("expired idle widgets")
			}
		}
	}
}

// SweepIdle closes idle widgets untouched for longer than IdleTTL and returns how many it closed.
// A widget with a connected page is never swept.
func (s *Service) SweepIdle() int {
	if s.opts.IdleTTL <= 0 {
		return 0
	}
	cutoff := s.opts.Now().Add(-s.opts.IdleTTL)

	s.mu.Lock()
	var expired []*widget
	for id, w := range s.widgets {
		w.mu.Lock()
		if w.state == chat.StateIdle && w.lastActive.Before(cutoff) && !s.attached(id) {
			expired = append(expired, w)
			delete(s.widgets, id)
		}
		w.mu.Unlock()
	}
	s.mu.Unlock()

	for _, w := range expired {
		s.shutdown(w)
	}
	return len(expired)
}

func (s *Service) closeAll() {
	s.mu.Lock()
	widgets := s.widgets
	s.widgets = make(map[string]*widget)
	s.mu.Unlock()

	for _, w := range widgets {
		s.shutdown(w)
	}
	if len(widgets) > 0 {
		s.log.Info().Int("count", len(widgets)).Msg("closed widgets on shutdown")
	}
}

// Widgets reports how many widgets are mounted.
func (s *Service) Widgets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.widgets)
}

func (s *Service) shutdown(w *widget) {
	w.mu.Lock()
	w.closed = true
	w.cancelImages()
	if w.noticeTimer != nil {
		w.noticeTimer.Stop()
	}
	w.mu.Unlock()

	if c, ok := s.events.(interface{ Close(widgetID string) }); ok {
		c.Close(w.id)
	}
}

func (s *Service) attached(widgetID string) bool {
	c, ok := s.events.(subscriberCounter)
	return ok && c.Subscribers(widgetID) > 0
}

func (s *Service) lookup(widgetID string) (*widget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.widgets[widgetID]
	if !ok {
		return nil, ErrWidgetNotFound
	}
	return w, nil
}

func (s *Service) newSession() chat.Session {
	return chat.Session{ID: s.opts.NewSessionID(), CreatedAt: s.opts.Now().UTC()}
}

// appendLocked renders content once, stores the message and registers its placeholders.
func (s *Service) appendLocked(w *widget, sender chat.Sender, content string, isError bool) (chat.Message, []render.Image) {
	rendered := s.opts.Renderer.Render(content)
	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: w.session.ID,
		Sender:    sender,
		Content:   content,
		HTML:      rendered.HTML,
		IsError:   isError,
		CreatedAt: s.opts.Now().UTC(),
	}
	w.messages = append(w.messages, msg)

	for _, img := range rendered.Images {
		w.images[img.ID] = &chat.Image{PlaceholderID: img.ID, URL: img.URL, Alt: img.Alt}
		w.imageOrder = append(w.imageOrder, img.ID)
	}

	s.events.Publish(w.id, events.TypeMessage, msg)
	return msg, rendered.Images
}

func (s *Service) scheduleImages(ctx context.Context, widgetID string, images []render.Image) {
	for _, img := range images {
		s.images.Schedule(ctx, imageload.Task{
			WidgetID:      widgetID,
			PlaceholderID: img.ID,
			URL:           img.URL,
			Alt:           img.Alt,
		}, s.ResolveImage)
	}
}

// resolveInlineLocked marks placeholders as plain image tags without fetching them.
func (s *Service) resolveInlineLocked(w *widget, images []render.Image) {
	for _, img := range images {
		slot, ok := w.images[img.ID]
		if !ok {
			continue
		}
		slot.Markup = render.ImageMarkup(img.URL, img.Alt)
		slot.Resolved = true
		s.events.Publish(w.id, events.TypeImage, *slot)
	}
}

func (s *Service) showNoticeLocked(w *widget, message string) {
	w.notice = chat.Notice{Message: message, Visible: true, ShownAt: s.opts.Now().UTC()}
	w.noticeGen++
	gen := w.noticeGen
	if w.noticeTimer != nil {
		w.noticeTimer.Stop()
	}
	w.noticeTimer = time.AfterFunc(s.opts.NoticeTimeout, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed || w.noticeGen != gen {
			return
		}
		s.hideNoticeLocked(w)
	})
	s.events.Publish(w.id, events.TypeNotice, w.notice)
}

func (s *Service) hideNoticeLocked(w *widget) {
	if w.noticeTimer != nil {
		w.noticeTimer.Stop()
		w.noticeTimer = nil
	}
	w.noticeGen++
	w.notice.Visible = false
	s.events.Publish(w.id, events.TypeNotice, w.notice)
}

func (w *widget) snapshot() chat.Snapshot {
	images := make([]chat.Image, 0, len(w.imageOrder))
	for _, id := range w.imageOrder {
		if img, ok := w.images[id]; ok {
			images = append(images, *img)
		}
	}
	return chat.Snapshot{
		ID:       w.id,
		Session:  w.session,
		State:    w.state,
		Messages: append([]chat.Message{}, w.messages...),
		Images:   images,
		Notice:   w.notice,
	}
}
