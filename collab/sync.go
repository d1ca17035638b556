package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncState int

const (
	SyncStateIdle SyncState = iota
	SyncStateConnecting
	SyncStateJoiningRoom
	SyncStateLoading
	SyncStateReady
	SyncStateAccessDenied
	SyncStateError
	SyncStateClosed
)

func (self SyncState) String() string {
	switch self {
	case SyncStateIdle:
		return "idle"
	case SyncStateConnecting:
		return "connecting"
	case SyncStateJoiningRoom:
		return "joining_room"
	case SyncStateLoading:
		return "loading"
	case SyncStateReady:
		return "ready"
	case SyncStateAccessDenied:
		return "access_denied"
	case SyncStateError:
		return "error"
	case SyncStateClosed:
		return "closed"
	}
	return "unknown"
}

type SyncSettings struct {
	// quiet window before a local edit is persisted.
	// rapid edits within the window coalesce into one write.
	DebounceWindow time.Duration
}

const minDebounceWindow = 1 * time.Millisecond
const maxDebounceWindow = 10 * time.Second

func DefaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		DebounceWindow: 500 * time.Millisecond,
	}
}

type SyncStateChangeFunction func(state SyncState, err error)

type ContentChangeFunction func(content string, language string)

// selection is nil when the remote selection was cleared
type SelectionChangeFunction func(selection *Selection)

type codeChangePayload struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

type selectionChangePayload struct {
	Slug      string    `json:"slug"`
	Selection Selection `json:"selection"`
}

// some server iterations omit the slug on selection broadcasts. when it is
// present it scopes the overlay, same as codeUpdate.
type selectionUpdatePayload struct {
	Slug      string    `json:"slug,omitempty"`
	Selection Selection `json:"selection"`
}

type slugPayload struct {
	Slug string `json:"slug"`
}

type pendingEdit struct {
	content  string
	language string
}

// CodespaceSync keeps a local buffer and language tag consistent with a named
// remote codespace while the user edits it.
//
// synchronization is last-writer-wins at whole-document granularity: remote
// content overwrites the local buffer unconditionally, and there is no
// sequence numbering on edits. two users typing at the same time will clobber
// each other. this matches the deployed behavior and must not be upgraded to
// a merge protocol without a backend protocol change.
//
// the instance is bound to one slug for its whole lifetime. switching
// codespaces is Close() plus a new instance, which is what keeps room
// membership at most one per mounted client.
type CodespaceSync struct {
	ctx    context.Context
	cancel context.CancelFunc

	channel *Channel
	api     *CollabApi
	session *Session

	slug string

	settings *SyncSettings

	mutex     sync.Mutex
	state     SyncState
	lastError error

	content  string
	language string

	codespace       *Codespace
	passkeyVerified bool

	pending       *pendingEdit
	debounceTimer *time.Timer

	unsubscribes []func()

	stateCallbacks     *CallbackList[SyncStateChangeFunction]
	contentCallbacks   *CallbackList[ContentChangeFunction]
	selectionCallbacks *CallbackList[SelectionChangeFunction]
}

func OpenCodespaceSyncWithDefaults(
	ctx context.Context,
	channel *Channel,
	api *CollabApi,
	session *Session,
	slug string,
) (*CodespaceSync, error) {
	return OpenCodespaceSync(ctx, channel, api, session, slug, DefaultSyncSettings())
}

// OpenCodespaceSync subscribes the remote event handlers and emits the join
// request. the content fetch is issued only after the join is acknowledged,
// so content is never fetched from a room that is not guaranteed to exist
// server side.
func OpenCodespaceSync(
	ctx context.Context,
	channel *Channel,
	api *CollabApi,
	session *Session,
	slug string,
	settings *SyncSettings,
) (*CodespaceSync, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	sync := &CodespaceSync{
		ctx:                cancelCtx,
		cancel:             cancel,
		channel:            channel,
		api:                api,
		session:            session,
		slug:               slug,
		settings:           settings,
		state:              SyncStateConnecting,
		language:           DefaultLanguage,
		stateCallbacks:     NewCallbackList[SyncStateChangeFunction](),
		contentCallbacks:   NewCallbackList[ContentChangeFunction](),
		selectionCallbacks: NewCallbackList[SelectionChangeFunction](),
	}

	// every subscription is paired with its disposer and released in Close,
	// exactly once, so listener sets cannot accumulate across remounts
	sync.unsubscribes = []func(){
		channel.Subscribe(EventRoomJoined, sync.handleRoomJoined),
		channel.Subscribe(EventRoomError, sync.handleRoomError),
		channel.Subscribe(EventCodeUpdate, sync.handleCodeUpdate),
		channel.Subscribe(EventSelectionUpdate, sync.handleSelectionUpdate),
		channel.Subscribe(EventClearSelection, sync.handleClearSelection),
		// room membership is connection scoped server side, so rejoin on
		// every (re)connect
		channel.AddConnectCallback(sync.joinRoom),
	}

	if channel.Connected() {
		sync.joinRoom()
	}

	return sync, nil
}

func (self *CodespaceSync) Slug() string {
	return self.slug
}

func (self *CodespaceSync) joinRoom() {
	self.mutex.Lock()
	switch self.state {
	case SyncStateClosed, SyncStateError, SyncStateAccessDenied:
		self.mutex.Unlock()
		return
	case SyncStateConnecting:
		self.state = SyncStateJoiningRoom
	}
	self.mutex.Unlock()

	if err := self.channel.Emit(EventJoinRoom, self.slug); err != nil {
		glog.Infof("[sync]%s join emit error = %s\n", self.slug, err)
	}
}

func (self *CodespaceSync) handleRoomJoined(data json.RawMessage) {
	if !self.matchesSlug(data) {
		return
	}

	self.mutex.Lock()
	switch self.state {
	case SyncStateConnecting, SyncStateJoiningRoom:
		self.state = SyncStateLoading
		self.mutex.Unlock()
		self.notifyState(SyncStateLoading, nil)
	case SyncStateReady:
		// rejoin after a reconnect. refetch to supersede whatever was
		// missed while disconnected.
		self.mutex.Unlock()
	default:
		self.mutex.Unlock()
		return
	}

	go self.fetch()
}

func (self *CodespaceSync) handleRoomError(data json.RawMessage) {
	if !self.matchesSlug(data) {
		return
	}
	self.fail(ErrRoomJoin)
}

// the join ack payload is either absent, the slug, or {"slug": ...}.
// a payload naming a different slug is for another client on this channel.
func (self *CodespaceSync) matchesSlug(data json.RawMessage) bool {
	if len(data) == 0 {
		return true
	}
	var slug string
	if err := json.Unmarshal(data, &slug); err == nil {
		return slug == "" || slug == self.slug
	}
	var payload slugPayload
	if err := json.Unmarshal(data, &payload); err == nil {
		return payload.Slug == "" || payload.Slug == self.slug
	}
	return true
}

func (self *CodespaceSync) fetch() {
	result, err := self.api.GetCodespaceSync(self.slug)
	if IsNotFound(err) {
		// does not exist yet. create it under the same slug, then refetch.
		_, createErr := self.api.CreateCodespaceSync(&CreateCodespaceArgs{
			Slug: self.slug,
		})
		if createErr != nil {
			self.fail(createErr)
			return
		}
		result, err = self.api.GetCodespaceSync(self.slug)
	}
	if err != nil {
		if IsAccessDenied(err) {
			self.mutex.Lock()
			self.state = SyncStateAccessDenied
			self.lastError = err
			self.mutex.Unlock()
			self.notifyState(SyncStateAccessDenied, err)
			return
		}
		self.fail(err)
		return
	}

	codespace := result.Data
	if codespace == nil {
		codespace = &Codespace{Slug: self.slug}
	}
	content := codespace.Content
	language := codespace.Language
	if language == "" {
		language = DefaultLanguage
	}

	self.mutex.Lock()
	if self.state == SyncStateClosed {
		self.mutex.Unlock()
		return
	}
	self.codespace = codespace
	self.content = content
	self.language = language
	self.state = SyncStateReady
	self.mutex.Unlock()

	self.notifyState(SyncStateReady, nil)
	self.notifyContent(content, language)
}

func (self *CodespaceSync) fail(err error) {
	self.mutex.Lock()
	if self.state == SyncStateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = SyncStateError
	self.lastError = err
	self.mutex.Unlock()

	glog.Infof("[sync]%s error = %s\n", self.slug, err)
	self.notifyState(SyncStateError, err)
}

func (self *CodespaceSync) handleCodeUpdate(data json.RawMessage) {
	var content string
	if err := json.Unmarshal(data, &content); err != nil {
		// some server iterations broadcast {slug, content}
		var payload codeChangePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			glog.Infof("[sync]%s bad codeUpdate = %s\n", self.slug, err)
			return
		}
		if payload.Slug != "" && payload.Slug != self.slug {
			return
		}
		content = payload.Content
	}
	self.ApplyRemoteContent(content)
}

// ApplyRemoteContent overwrites the local buffer with a remote peer's
// content. no merge, no conflict detection. applying the same content twice
// is a no-op the second time.
func (self *CodespaceSync) ApplyRemoteContent(content string) {
	self.mutex.Lock()
	switch self.state {
	case SyncStateReady, SyncStateLoading:
	default:
		self.mutex.Unlock()
		return
	}
	if self.content == content {
		self.mutex.Unlock()
		return
	}
	self.content = content
	language := self.language
	self.mutex.Unlock()

	self.notifyContent(content, language)
}

// SubmitLocalEdit applies a local edit optimistically and schedules the
// debounced persistence. the broadcast to the room happens only after the
// write succeeds, so the authoritative store and the broadcast never diverge
// in order.
func (self *CodespaceSync) SubmitLocalEdit(content string, language string) error {
	self.mutex.Lock()
	if self.state == SyncStateClosed {
		self.mutex.Unlock()
		return ErrSyncClosed
	}
	if self.state != SyncStateReady {
		self.mutex.Unlock()
		return ErrSyncNotReady
	}
	if !self.canEdit() {
		self.mutex.Unlock()
		return ErrEditNotPermitted
	}

	if language == "" {
		language = self.language
	}
	self.content = content
	self.language = language

	self.pending = &pendingEdit{
		content:  content,
		language: language,
	}
	window := self.debounceWindow()
	if self.debounceTimer == nil {
		self.debounceTimer = time.AfterFunc(window, self.flushPending)
	} else {
		self.debounceTimer.Reset(window)
	}
	self.mutex.Unlock()

	// a local edit invalidates any remote selection overlay
	self.notifySelection(nil)

	return nil
}

func (self *CodespaceSync) debounceWindow() time.Duration {
	window := self.settings.DebounceWindow
	if window < minDebounceWindow {
		window = minDebounceWindow
	}
	if maxDebounceWindow < window {
		window = maxDebounceWindow
	}
	return window
}

func (self *CodespaceSync) flushPending() {
	self.mutex.Lock()
	pending := self.pending
	self.pending = nil
	closed := self.state == SyncStateClosed
	self.mutex.Unlock()

	if pending == nil || closed {
		return
	}

	_, err := self.api.PutCodespaceSync(self.slug, &PutCodespaceArgs{
		Content:  pending.content,
		Language: pending.language,
	})
	if err != nil {
		glog.Infof("[sync]%s save error = %s\n", self.slug, err)
		return
	}

	if err := self.channel.Emit(EventCodeChange, &codeChangePayload{
		Slug:    self.slug,
		Content: pending.content,
	}); err != nil {
		glog.Infof("[sync]%s broadcast error = %s\n", self.slug, err)
	}
}

// Flush persists a pending edit immediately instead of waiting out the
// debounce window.
func (self *CodespaceSync) Flush() {
	self.mutex.Lock()
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
	}
	self.mutex.Unlock()

	self.flushPending()
}

// canEdit is the capability check before any edit is accepted:
// the owner, anyone on a public codespace, or a shared codespace after
// passkey verification. caller holds the mutex.
func (self *CodespaceSync) canEdit() bool {
	codespace := self.codespace
	if codespace == nil {
		return false
	}
	if self.isOwner(codespace) {
		return true
	}
	switch codespace.AccessType {
	case AccessTypePublic:
		return true
	case AccessTypeShared:
		return self.passkeyVerified
	}
	return false
}

func (self *CodespaceSync) isOwner(codespace *Codespace) bool {
	if self.session == nil {
		return false
	}
	user := self.session.User()
	if user == nil {
		return false
	}
	return user.Id == codespace.OwnerId
}

func (self *CodespaceSync) Editable() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state == SyncStateReady && self.canEdit()
}

// VerifyPasskey exchanges the passkey for edit access on a shared codespace.
// the grant lasts for this mount only.
func (self *CodespaceSync) VerifyPasskey(passkey string) error {
	result, err := self.api.VerifyPasskeySync(self.slug, &VerifyPasskeyArgs{
		Passkey: passkey,
	})
	if err != nil {
		return err
	}
	if result.Status != "success" {
		return ErrEditNotPermitted
	}
	self.mutex.Lock()
	self.passkeyVerified = true
	self.mutex.Unlock()
	return nil
}

// SubmitSelection broadcasts the local selection to the room.
// an empty selection broadcasts a clear instead.
func (self *CodespaceSync) SubmitSelection(selection Selection) error {
	if selection.IsEmpty() {
		return self.channel.Emit(EventClearSelection, &slugPayload{Slug: self.slug})
	}
	return self.channel.Emit(EventSelectionChange, &selectionChangePayload{
		Slug:      self.slug,
		Selection: selection,
	})
}

func (self *CodespaceSync) handleSelectionUpdate(data json.RawMessage) {
	var payload selectionUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		glog.Infof("[sync]%s bad selectionUpdate = %s\n", self.slug, err)
		return
	}
	if payload.Slug != "" && payload.Slug != self.slug {
		return
	}
	selection := payload.Selection
	self.notifySelection(&selection)
}

func (self *CodespaceSync) handleClearSelection(data json.RawMessage) {
	if !self.matchesSlug(data) {
		return
	}
	self.notifySelection(nil)
}

func (self *CodespaceSync) State() (SyncState, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state, self.lastError
}

func (self *CodespaceSync) Content() (string, string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.content, self.language
}

func (self *CodespaceSync) Codespace() *Codespace {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.codespace
}

func (self *CodespaceSync) AddStateCallback(stateCallback SyncStateChangeFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

func (self *CodespaceSync) AddContentCallback(contentCallback ContentChangeFunction) func() {
	return self.contentCallbacks.Add(contentCallback)
}

func (self *CodespaceSync) AddSelectionCallback(selectionCallback SelectionChangeFunction) func() {
	return self.selectionCallbacks.Add(selectionCallback)
}

func (self *CodespaceSync) notifyState(state SyncState, err error) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state, err)
	}
}

func (self *CodespaceSync) notifyContent(content string, language string) {
	for _, contentCallback := range self.contentCallbacks.Get() {
		contentCallback(content, language)
	}
}

func (self *CodespaceSync) notifySelection(selection *Selection) {
	for _, selectionCallback := range self.selectionCallbacks.Get() {
		selectionCallback(selection)
	}
}

// Close releases the event subscriptions and cancels any pending debounce
// timer. an edit still inside the debounce window is dropped, not flushed.
// that in-window loss is documented, accepted behavior; hosts that want a
// final save call Flush first. the shared channel is left open.
func (self *CodespaceSync) Close() {
	self.mutex.Lock()
	if self.state == SyncStateClosed {
		self.mutex.Unlock()
		return
	}
	self.state = SyncStateClosed
	if self.debounceTimer != nil {
		self.debounceTimer.Stop()
	}
	self.pending = nil
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	self.mutex.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
}
