package collab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/slices"
)

type DirectoryChangeFunction func(codespaces []*Codespace)

type idPayload struct {
	Id Id `json:"id"`
}

// Directory caches the list of codespaces visible to the current user and
// keeps it consistent with server pushed mutation events. the cache is a
// snapshot: FetchAll replaces it wholesale, events patch single entries.
type Directory struct {
	ctx    context.Context
	cancel context.CancelFunc

	api     *CollabApi
	channel *Channel
	session *Session

	mutex      sync.Mutex
	codespaces []*Codespace

	unsubscribes []func()

	changeCallbacks *CallbackList[DirectoryChangeFunction]
}

func NewDirectory(ctx context.Context, api *CollabApi, channel *Channel, session *Session) *Directory {
	cancelCtx, cancel := context.WithCancel(ctx)
	directory := &Directory{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		channel:         channel,
		session:         session,
		changeCallbacks: NewCallbackList[DirectoryChangeFunction](),
	}

	directory.unsubscribes = []func(){
		channel.Subscribe(EventCodespaceSettingsChanged, directory.handleSettingsChanged),
		// servers emitted either name across iterations. both are handled.
		channel.Subscribe(EventCodespaceRemoved, directory.handleRemoved),
		channel.Subscribe(EventCodespaceDeleted, directory.handleRemoved),
		channel.AddConnectCallback(directory.joinUserSpace),
	}

	if channel.Connected() {
		directory.joinUserSpace()
	}

	return directory
}

// joinUserSpace scopes directory events on the channel to this user.
// membership is connection scoped server side, so this runs per (re)connect.
func (self *Directory) joinUserSpace() {
	if self.session == nil {
		return
	}
	user := self.session.User()
	if user == nil {
		return
	}
	if err := self.channel.Emit(EventJoinUserSpace, user.Id.String()); err != nil {
		glog.Infof("[dir]join user space error = %s\n", err)
	}
}

// FetchAll replaces the entire cached list with the server's response.
// no incremental merge.
func (self *Directory) FetchAll() ([]*Codespace, error) {
	result, err := self.api.UserCodespacesSync()
	if err != nil {
		return nil, err
	}

	self.mutex.Lock()
	self.codespaces = result.Data
	self.mutex.Unlock()

	self.notify()
	return self.Codespaces(), nil
}

// Create requests a new private codespace under a random slug, appends it
// optimistically, and returns the slug for navigation.
func (self *Directory) Create() (string, error) {
	slug := NewRandomSlug()
	result, err := self.api.CreateCodespaceSync(&CreateCodespaceArgs{
		Slug:       slug,
		AccessType: AccessTypePrivate,
	})
	if err != nil {
		return "", err
	}

	codespace := result.Data
	if codespace == nil {
		codespace = &Codespace{}
	}
	codespace.Slug = slug
	codespace.AccessType = AccessTypePrivate

	self.mutex.Lock()
	self.codespaces = append(slices.Clone(self.codespaces), codespace)
	self.mutex.Unlock()

	self.notify()
	return slug, nil
}

func (self *Directory) handleSettingsChanged(data json.RawMessage) {
	var updated Codespace
	if err := json.Unmarshal(data, &updated); err != nil {
		glog.Infof("[dir]bad settings event = %s\n", err)
		return
	}
	self.ApplyRemoteUpdate(&updated)
}

func (self *Directory) handleRemoved(data json.RawMessage) {
	var payload idPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		glog.Infof("[dir]bad removed event = %s\n", err)
		return
	}
	self.ApplyRemoteDelete(payload.Id)
}

// ApplyRemoteUpdate patches a single entry by identity match.
func (self *Directory) ApplyRemoteUpdate(updated *Codespace) {
	self.mutex.Lock()
	changed := false
	nextCodespaces := slices.Clone(self.codespaces)
	for i, codespace := range nextCodespaces {
		if codespace.Id == updated.Id {
			nextCodespaces[i] = updated
			changed = true
			break
		}
	}
	if changed {
		self.codespaces = nextCodespaces
	}
	self.mutex.Unlock()

	if changed {
		self.notify()
	}
}

// ApplyRemoteDelete removes a single entry by identity match.
func (self *Directory) ApplyRemoteDelete(id Id) {
	self.mutex.Lock()
	changed := false
	nextCodespaces := []*Codespace{}
	for _, codespace := range self.codespaces {
		if codespace.Id == id {
			changed = true
			continue
		}
		nextCodespaces = append(nextCodespaces, codespace)
	}
	if changed {
		self.codespaces = nextCodespaces
	}
	self.mutex.Unlock()

	if changed {
		self.notify()
	}
}

// Codespaces returns a snapshot copy of the cached list.
func (self *Directory) Codespaces() []*Codespace {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return slices.Clone(self.codespaces)
}

func (self *Directory) UpdateSettings(slug string, settings *CodespaceSettings) (*Codespace, error) {
	result, err := self.api.PutCodespaceSettingsSync(slug, settings)
	if err != nil {
		return nil, err
	}
	if result.Data != nil {
		self.ApplyRemoteUpdate(result.Data)
	}
	return result.Data, nil
}

func (self *Directory) Delete(slug string) error {
	if _, err := self.api.DeleteCodespaceSync(slug); err != nil {
		return err
	}

	self.mutex.Lock()
	changed := false
	nextCodespaces := []*Codespace{}
	for _, codespace := range self.codespaces {
		if codespace.Slug == slug {
			changed = true
			continue
		}
		nextCodespaces = append(nextCodespaces, codespace)
	}
	if changed {
		self.codespaces = nextCodespaces
	}
	self.mutex.Unlock()

	if changed {
		self.notify()
	}
	return nil
}

func (self *Directory) CheckSlug(slug string) (bool, error) {
	if err := ValidateSlug(slug); err != nil {
		return false, err
	}
	result, err := self.api.CheckSlugSync(slug)
	if err != nil {
		return false, err
	}
	return result.Available, nil
}

func (self *Directory) AddChangeCallback(changeCallback DirectoryChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Directory) notify() {
	codespaces := self.Codespaces()
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(codespaces)
	}
}

func (self *Directory) Close() {
	self.mutex.Lock()
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	self.mutex.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
}
