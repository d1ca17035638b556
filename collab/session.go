package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
)

const storeKeyToken = "token"

type SessionState int

const (
	SessionStateLoggedOut SessionState = iota
	SessionStateActive
	SessionStateWarning
	SessionStateExpired
)

func (self SessionState) String() string {
	switch self {
	case SessionStateLoggedOut:
		return "logged_out"
	case SessionStateActive:
		return "active"
	case SessionStateWarning:
		return "warning"
	case SessionStateExpired:
		return "expired"
	}
	return "unknown"
}

type SessionSettings struct {
	// client-side session length, independent of server-side session length
	SessionDuration time.Duration
	// state moves to Warning when this close to expiry
	WarningWindow time.Duration
	// expiry clock granularity
	CheckInterval time.Duration
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		SessionDuration: 10 * time.Minute,
		WarningWindow:   1 * time.Minute,
		CheckInterval:   1 * time.Second,
	}
}

type SessionChangeFunction func(state SessionState, user *User)

// Session tracks the bearer credential and runs a local expiry countdown.
// the countdown is a client-trusted clock. it does not re-validate against
// the server except through Verify.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api   *CollabApi
	store KeyValueStore

	settings *SessionSettings

	mutex  sync.Mutex
	state  SessionState
	user   *User
	expiry time.Time

	changeCallbacks *CallbackList[SessionChangeFunction]
}

func NewSessionWithDefaults(ctx context.Context, api *CollabApi, store KeyValueStore) *Session {
	return NewSession(ctx, api, store, DefaultSessionSettings())
}

func NewSession(ctx context.Context, api *CollabApi, store KeyValueStore, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		store:           store,
		settings:        settings,
		state:           SessionStateLoggedOut,
		changeCallbacks: NewCallbackList[SessionChangeFunction](),
	}
	// a persisted token resumes the previous session with a fresh countdown
	if token, ok := store.Get(storeKeyToken); ok && token != "" {
		api.SetByJwt(token)
		session.state = SessionStateActive
		session.expiry = time.Now().Add(settings.SessionDuration)
		if byJwt, err := ParseByJwtUnverified(token); err == nil {
			session.user = &User{
				Id:       byJwt.UserId,
				Username: byJwt.Username,
				Email:    byJwt.Email,
			}
		}
	}
	go session.run()
	return session
}

func (self *Session) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.CheckInterval):
		}
		self.checkSession()
	}
}

func (self *Session) checkSession() {
	self.mutex.Lock()

	if self.state != SessionStateActive && self.state != SessionStateWarning {
		self.mutex.Unlock()
		return
	}

	timeLeft := time.Until(self.expiry)

	var notifyState SessionState
	notify := false
	switch {
	case timeLeft <= 0:
		self.state = SessionStateExpired
		self.user = nil
		self.store.Remove(storeKeyToken)
		self.api.SetByJwt("")
		notifyState = SessionStateExpired
		notify = true
		glog.Infof("[session]expired\n")
	case timeLeft <= self.settings.WarningWindow && self.state != SessionStateWarning:
		self.state = SessionStateWarning
		notifyState = SessionStateWarning
		notify = true
	}
	user := self.user
	self.mutex.Unlock()

	if notify {
		for _, changeCallback := range self.changeCallbacks.Get() {
			changeCallback(notifyState, user)
		}
	}
}

func (self *Session) AddChangeCallback(changeCallback SessionChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Session) notify(state SessionState, user *User) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(state, user)
	}
}

func (self *Session) Login(emailOrUsername string, password string) (*User, error) {
	result, err := self.api.AuthLoginSync(&AuthLoginArgs{
		EmailOrUsername: emailOrUsername,
		Password:        password,
	})
	if err != nil {
		// a failed login never clears a pre-existing session
		return nil, err
	}
	if result.Token == "" {
		return nil, errors.New(loginFailureMessage(result.Message))
	}
	return self.start(result.Token, result.User), nil
}

func (self *Session) Register(username string, email string, password string) (*User, error) {
	result, err := self.api.AuthRegisterSync(&AuthRegisterArgs{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return nil, err
	}
	if result.Token == "" {
		return nil, errors.New(loginFailureMessage(result.Message))
	}
	return self.start(result.Token, result.User), nil
}

func loginFailureMessage(message string) string {
	if message != "" {
		return message
	}
	return "authentication failed"
}

func (self *Session) start(token string, user *User) *User {
	self.mutex.Lock()
	self.store.Set(storeKeyToken, token)
	self.api.SetByJwt(token)
	if user == nil {
		if byJwt, err := ParseByJwtUnverified(token); err == nil {
			user = &User{
				Id:       byJwt.UserId,
				Username: byJwt.Username,
				Email:    byJwt.Email,
			}
		}
	}
	self.user = user
	self.state = SessionStateActive
	self.expiry = time.Now().Add(self.settings.SessionDuration)
	self.mutex.Unlock()

	self.notify(SessionStateActive, user)
	return user
}

// Extend resets the countdown and clears a pending warning.
func (self *Session) Extend() {
	self.mutex.Lock()
	if self.state != SessionStateActive && self.state != SessionStateWarning {
		self.mutex.Unlock()
		return
	}
	self.state = SessionStateActive
	self.expiry = time.Now().Add(self.settings.SessionDuration)
	user := self.user
	self.mutex.Unlock()

	self.notify(SessionStateActive, user)
}

// Logout notifies the server best effort. local state always ends up
// logged out even if the network call fails.
func (self *Session) Logout() {
	if _, err := self.api.AuthLogoutSync(); err != nil {
		glog.Infof("[session]logout error = %s\n", err)
	}

	self.mutex.Lock()
	self.store.Remove(storeKeyToken)
	self.api.SetByJwt("")
	self.user = nil
	self.state = SessionStateLoggedOut
	self.expiry = time.Time{}
	self.mutex.Unlock()

	self.notify(SessionStateLoggedOut, nil)
}

// Verify asks the server whether the current token is still good.
// a 401 clears local state.
func (self *Session) Verify() (*User, error) {
	if self.Token() == "" {
		return nil, ErrNoSession
	}
	result, err := self.api.AuthVerifySync()
	if err != nil {
		if IsUnauthorized(err) {
			self.expire()
		}
		return nil, err
	}
	if !result.Valid {
		self.expire()
		return nil, ErrSessionExpired
	}
	self.mutex.Lock()
	if result.User != nil {
		self.user = result.User
	}
	user := self.user
	self.expiry = time.Now().Add(self.settings.SessionDuration)
	self.mutex.Unlock()
	return user, nil
}

func (self *Session) expire() {
	self.mutex.Lock()
	self.store.Remove(storeKeyToken)
	self.api.SetByJwt("")
	self.user = nil
	self.state = SessionStateExpired
	self.mutex.Unlock()

	self.notify(SessionStateExpired, nil)
}

func (self *Session) State() SessionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *Session) User() *User {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.user
}

// Token returns the credential for the current session,
// or empty once expired or logged out. a stale token is never surfaced.
func (self *Session) Token() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != SessionStateActive && self.state != SessionStateWarning {
		return ""
	}
	token, _ := self.store.Get(storeKeyToken)
	return token
}

func (self *Session) Expiry() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.expiry
}

func (self *Session) Close() {
	self.cancel()
}
