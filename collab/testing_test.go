package collab

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/gorilla/websocket"
)

// in-process stand-ins for the backend used by the package tests:
// a room hub over websockets and a json http api.

type testHub struct {
	server *httptest.Server

	mutex sync.Mutex
	conns map[*testHubConn]bool
	rooms map[string]map[*testHubConn]bool

	// when set, join acks block until the gate closes
	joinGate chan struct{}

	codeChangeCount int
}

type testHubConn struct {
	ws    *websocket.Conn
	mutex sync.Mutex
}

func (self *testHubConn) write(event string, data any) error {
	var dataBytes json.RawMessage
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}
	message, err := json.Marshal(&channelEvent{
		Event: event,
		Data:  dataBytes,
	})
	if err != nil {
		return err
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func newTestHub() *testHub {
	hub := &testHub{
		conns: map[*testHubConn]bool{},
		rooms: map[string]map[*testHubConn]bool{},
	}
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	hub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &testHubConn{
			ws: ws,
		}
		hub.mutex.Lock()
		hub.conns[conn] = true
		hub.mutex.Unlock()
		defer func() {
			hub.mutex.Lock()
			delete(hub.conns, conn)
			for _, members := range hub.rooms {
				delete(members, conn)
			}
			hub.mutex.Unlock()
			ws.Close()
		}()

		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var event channelEvent
			if err := json.Unmarshal(message, &event); err != nil {
				continue
			}
			hub.handle(conn, event)
		}
	}))
	return hub
}

func (self *testHub) url() string {
	return "ws" + strings.TrimPrefix(self.server.URL, "http")
}

func (self *testHub) close() {
	self.server.Close()
}

func (self *testHub) joinRoom(conn *testHubConn, room string) {
	self.mutex.Lock()
	members, ok := self.rooms[room]
	if !ok {
		members = map[*testHubConn]bool{}
		self.rooms[room] = members
	}
	members[conn] = true
	self.mutex.Unlock()
}

func (self *testHub) handle(conn *testHubConn, event channelEvent) {
	switch event.Event {
	case EventJoinRoom:
		var slug string
		if err := json.Unmarshal(event.Data, &slug); err != nil {
			return
		}
		self.joinRoom(conn, slug)
		self.mutex.Lock()
		joinGate := self.joinGate
		self.mutex.Unlock()
		go func() {
			if joinGate != nil {
				<-joinGate
			}
			conn.write(EventRoomJoined, slug)
		}()
	case EventCodeChange:
		var payload codeChangePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		self.mutex.Lock()
		self.codeChangeCount += 1
		self.mutex.Unlock()
		self.broadcastToRoom(payload.Slug, conn, EventCodeUpdate, payload)
	case EventSelectionChange:
		var payload selectionChangePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		self.broadcastToRoom(payload.Slug, conn, EventSelectionUpdate, &selectionUpdatePayload{
			Slug:      payload.Slug,
			Selection: payload.Selection,
		})
	case EventClearSelection:
		var payload slugPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return
		}
		self.broadcastToRoom(payload.Slug, conn, EventClearSelection, &payload)
	case EventJoinUserSpace:
		var userId string
		if err := json.Unmarshal(event.Data, &userId); err != nil {
			return
		}
		self.joinRoom(conn, "user:"+userId)
	}
}

func (self *testHub) broadcastToRoom(room string, from *testHubConn, event string, data any) {
	self.mutex.Lock()
	members := []*testHubConn{}
	for member := range self.rooms[room] {
		if member != from {
			members = append(members, member)
		}
	}
	self.mutex.Unlock()

	for _, member := range members {
		member.write(event, data)
	}
}

func (self *testHub) broadcastAll(event string, data any) {
	self.mutex.Lock()
	conns := []*testHubConn{}
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.write(event, data)
	}
}

// dropAll severs every live connection so clients must reconnect
func (self *testHub) dropAll() {
	self.mutex.Lock()
	conns := []*testHubConn{}
	for conn := range self.conns {
		conns = append(conns, conn)
	}
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (self *testHub) setJoinGate(joinGate chan struct{}) {
	self.mutex.Lock()
	self.joinGate = joinGate
	self.mutex.Unlock()
}

func (self *testHub) getCodeChangeCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.codeChangeCount
}

func testChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectTimeout = 50 * time.Millisecond
	return settings
}

type testBackend struct {
	server *httptest.Server

	token    string
	user     *User
	password string

	mutex       sync.Mutex
	codespaces  map[string]*Codespace
	denied      map[string]string
	passkeys    map[string]string
	getCounts   map[string]int
	putCounts   map[string]int
	createCount int
	verifyValid bool
	lastAuth    string
}

func newTestBackend() *testBackend {
	user := &User{
		Id:       NewId(),
		Username: "brien",
		Email:    "brien@example.com",
	}
	backend := &testBackend{
		token:       newTestJwt(user),
		user:        user,
		password:    "password123",
		codespaces:  map[string]*Codespace{},
		denied:      map[string]string{},
		passkeys:    map[string]string{},
		getCounts:   map[string]int{},
		putCounts:   map[string]int{},
		verifyValid: true,
	}
	backend.server = httptest.NewServer(http.HandlerFunc(backend.handle))
	return backend
}

func newTestJwt(user *User) string {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id":  user.Id.String(),
		"username": user.Username,
		"email":    user.Email,
		"exp":      time.Now().Add(1 * time.Hour).Unix(),
	})
	tokenStr, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		panic(err)
	}
	return tokenStr
}

func (self *testBackend) url() string {
	return self.server.URL
}

func (self *testBackend) close() {
	self.server.Close()
}

func (self *testBackend) addCodespace(codespace *Codespace) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.codespaces[codespace.Slug] = codespace
}

func (self *testBackend) deny(slug string, owner string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.denied[slug] = owner
}

func (self *testBackend) getCount(slug string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.getCounts[slug]
}

func (self *testBackend) putCount(slug string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.putCounts[slug]
}

func writeJson(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func (self *testBackend) handle(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.lastAuth = r.Header.Get("Authorization")
	self.mutex.Unlock()

	path := r.URL.Path
	switch {
	case path == "/api/auth/login" || path == "/api/auth/register":
		writeJson(w, 200, map[string]any{
			"token": self.token,
			"user":  self.user,
		})
	case path == "/api/auth/logout":
		writeJson(w, 200, map[string]any{})
	case path == "/api/auth/verify":
		self.mutex.Lock()
		valid := self.verifyValid
		self.mutex.Unlock()
		if !valid {
			writeJson(w, 401, map[string]any{
				"message": "token expired",
			})
			return
		}
		writeJson(w, 200, &AuthVerifyResult{
			Valid: true,
			User:  self.user,
		})
	case path == "/api/auth/users/me":
		writeJson(w, 200, &GetMeResult{
			User: self.user,
		})
	case path == "/api/change-password":
		var args ChangePasswordArgs
		json.NewDecoder(r.Body).Decode(&args)
		self.mutex.Lock()
		match := args.CurrentPassword == self.password
		if match {
			self.password = args.NewPassword
		}
		self.mutex.Unlock()
		if !match {
			writeJson(w, 401, map[string]any{
				"message": "current password is incorrect",
			})
			return
		}
		writeJson(w, 200, &ChangePasswordResult{
			Message: "password changed successfully",
		})
	case strings.HasPrefix(path, "/api/check-username/"):
		username := strings.TrimPrefix(path, "/api/check-username/")
		taken := username == self.user.Username
		result := &CheckAvailableResult{
			Available: !taken,
		}
		if taken {
			result.Message = "username is already taken"
		}
		writeJson(w, 200, result)
	case strings.HasPrefix(path, "/api/check-email/"):
		email := strings.TrimPrefix(path, "/api/check-email/")
		writeJson(w, 200, &CheckAvailableResult{
			Available: email != self.user.Email,
		})
	case path == "/api/auth/user/default-codespace":
		writeJson(w, 200, &DefaultCodespaceResult{
			Username: self.user.Username,
		})
	case path == "/api/codespace/user/codespaces":
		self.mutex.Lock()
		data := []*Codespace{}
		for _, codespace := range self.codespaces {
			data = append(data, codespace)
		}
		self.mutex.Unlock()
		writeJson(w, 200, &UserCodespacesResult{
			Status: "success",
			Data:   data,
		})
	case path == "/api/codespace" && r.Method == "POST":
		var args CreateCodespaceArgs
		json.NewDecoder(r.Body).Decode(&args)
		accessType := args.AccessType
		if accessType == "" {
			accessType = AccessTypePrivate
		}
		codespace := &Codespace{
			Id:         NewId(),
			Slug:       args.Slug,
			OwnerId:    self.user.Id,
			AccessType: accessType,
			Language:   DefaultLanguage,
		}
		self.mutex.Lock()
		self.codespaces[args.Slug] = codespace
		self.createCount += 1
		self.mutex.Unlock()
		writeJson(w, 200, &CreateCodespaceResult{
			Status: "success",
			Data:   codespace,
		})
	case strings.HasPrefix(path, "/api/codespace/check-slug/"):
		slug := strings.TrimPrefix(path, "/api/codespace/check-slug/")
		self.mutex.Lock()
		_, taken := self.codespaces[slug]
		self.mutex.Unlock()
		writeJson(w, 200, &CheckSlugResult{
			Available: !taken,
		})
	case strings.HasSuffix(path, "/verify-passkey"):
		slug := strings.TrimSuffix(strings.TrimPrefix(path, "/api/codespace/"), "/verify-passkey")
		var args VerifyPasskeyArgs
		json.NewDecoder(r.Body).Decode(&args)
		self.mutex.Lock()
		passkey := self.passkeys[slug]
		self.mutex.Unlock()
		if passkey == "" || passkey != args.Passkey {
			writeJson(w, 200, &VerifyPasskeyResult{
				Status:  "error",
				Message: "invalid passkey",
			})
			return
		}
		writeJson(w, 200, &VerifyPasskeyResult{
			Status: "success",
		})
	case strings.HasSuffix(path, "/settings"):
		slug := strings.TrimSuffix(strings.TrimPrefix(path, "/api/codespace/"), "/settings")
		self.handleSettings(w, r, slug)
	case strings.HasPrefix(path, "/api/codespace/"):
		slug := strings.TrimPrefix(path, "/api/codespace/")
		self.handleCodespace(w, r, slug)
	default:
		writeJson(w, 404, map[string]any{
			"message": fmt.Sprintf("no route for %s", path),
		})
	}
}

func (self *testBackend) handleSettings(w http.ResponseWriter, r *http.Request, slug string) {
	self.mutex.Lock()
	codespace, ok := self.codespaces[slug]
	self.mutex.Unlock()
	if !ok {
		writeJson(w, 404, map[string]any{
			"message": "codespace not found",
		})
		return
	}
	if r.Method == "PUT" {
		var settings CodespaceSettings
		json.NewDecoder(r.Body).Decode(&settings)
		self.mutex.Lock()
		if settings.AccessType != "" {
			codespace.AccessType = settings.AccessType
		}
		if settings.Passkey != "" {
			self.passkeys[slug] = settings.Passkey
		}
		if settings.IsDefault != nil {
			codespace.IsDefault = *settings.IsDefault
		}
		self.mutex.Unlock()
	}
	writeJson(w, 200, &PutCodespaceSettingsResult{
		Status: "success",
		Data:   codespace,
	})
}

func (self *testBackend) handleCodespace(w http.ResponseWriter, r *http.Request, slug string) {
	self.mutex.Lock()
	owner, isDenied := self.denied[slug]
	codespace, ok := self.codespaces[slug]
	if r.Method == "GET" {
		self.getCounts[slug] += 1
	}
	self.mutex.Unlock()

	if isDenied {
		writeJson(w, 403, map[string]any{
			"message": "this codespace is private",
			"owner":   owner,
		})
		return
	}
	if !ok {
		writeJson(w, 404, map[string]any{
			"message": "codespace not found",
		})
		return
	}

	switch r.Method {
	case "GET":
		writeJson(w, 200, &GetCodespaceResult{
			Status: "success",
			Data:   codespace,
		})
	case "PUT":
		var args PutCodespaceArgs
		json.NewDecoder(r.Body).Decode(&args)
		self.mutex.Lock()
		codespace.Content = args.Content
		codespace.Language = args.Language
		self.putCounts[slug] += 1
		self.mutex.Unlock()
		writeJson(w, 200, &PutCodespaceResult{
			Status: "success",
		})
	case "DELETE":
		self.mutex.Lock()
		delete(self.codespaces, slug)
		self.mutex.Unlock()
		writeJson(w, 200, &DeleteCodespaceResult{
			Status: "success",
		})
	}
}

// waitFor polls until the condition holds or the timeout lapses
func waitFor(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}
