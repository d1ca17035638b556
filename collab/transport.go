package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// event names on the realtime channel. these are the wire contract with the
// backend and must not be renamed.
const (
	EventJoinRoom                 = "joinRoom"
	EventRoomJoined               = "roomJoined"
	EventRoomError                = "roomError"
	EventCodeChange               = "codeChange"
	EventCodeUpdate               = "codeUpdate"
	EventSelectionChange          = "selectionChange"
	EventSelectionUpdate          = "selectionUpdate"
	EventClearSelection           = "clearSelection"
	EventJoinUserSpace            = "joinUserSpace"
	EventCodespaceSettingsChanged = "codespaceSettingsChanged"
	EventCodespaceRemoved         = "codespaceRemoved"
	EventCodespaceDeleted         = "codespaceDeleted"
)

type ChannelSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	EmitBufferSize     int
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		EmitBufferSize:     32,
	}
}

// every message is a json envelope
type channelEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type EventFunction func(data json.RawMessage)

type ConnectFunction func()

// Channel is the single shared bidirectional event channel to the server,
// established once per authenticated process and read by multiple components.
// it reconnects on drop; subscriptions survive reconnects. connect callbacks
// fire on every (re)connect so room membership can be re-established.
type Channel struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	// pulled on every dial so reconnects pick up a refreshed credential
	tokenFn func() string

	settings *ChannelSettings

	send chan []byte

	mutex       sync.Mutex
	connected   bool
	subscribers map[string]*CallbackList[EventFunction]

	connectCallbacks *CallbackList[ConnectFunction]
}

func NewChannelWithDefaults(ctx context.Context, channelUrl string, tokenFn func() string) *Channel {
	return NewChannel(ctx, channelUrl, tokenFn, DefaultChannelSettings())
}

func NewChannel(ctx context.Context, channelUrl string, tokenFn func() string, settings *ChannelSettings) *Channel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &Channel{
		ctx:              cancelCtx,
		cancel:           cancel,
		channelUrl:       channelUrl,
		tokenFn:          tokenFn,
		settings:         settings,
		send:             make(chan []byte, settings.EmitBufferSize),
		subscribers:      map[string]*CallbackList[EventFunction]{},
		connectCallbacks: NewCallbackList[ConnectFunction](),
	}
	go channel.run()
	return channel
}

func (self *Channel) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		header := http.Header{}
		if self.tokenFn != nil {
			if token := self.tokenFn(); token != "" {
				header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
			}
		}
		ws, _, err := dialer.DialContext(self.ctx, self.channelUrl, header)
		if err != nil {
			glog.Infof("[ch]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			self.setConnected(true)
			defer self.setConnected(false)

			for _, connectCallback := range self.connectCallbacks.Get() {
				connectCallback()
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[ch]-> error = %s\n", err)
							return
						}
						glog.V(2).Infof("[ch]->\n")
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[ch]<- error = %s\n", err)
						return
					}

					switch messageType {
					case websocket.TextMessage, websocket.BinaryMessage:
						var event channelEvent
						if err := json.Unmarshal(message, &event); err != nil {
							glog.Infof("[ch]<- bad event = %s\n", err)
							continue
						}
						glog.V(2).Infof("[ch]<- %s\n", event.Event)
						self.dispatch(event)
					default:
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *Channel) setConnected(connected bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.connected = connected
}

func (self *Channel) Connected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

// dispatch runs the subscriber callbacks in arrival order on the read pump,
// which serializes all handler invocations the way the original single
// threaded event loop did.
func (self *Channel) dispatch(event channelEvent) {
	self.mutex.Lock()
	callbackList, ok := self.subscribers[event.Event]
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, eventCallback := range callbackList.Get() {
		eventCallback(event.Data)
	}
}

// Subscribe registers an event callback and returns its disposer.
// every subscription must be paired with exactly one disposer call, which is
// what keeps listener sets from accumulating across remounts.
func (self *Channel) Subscribe(eventName string, eventCallback EventFunction) func() {
	self.mutex.Lock()
	callbackList, ok := self.subscribers[eventName]
	if !ok {
		callbackList = NewCallbackList[EventFunction]()
		self.subscribers[eventName] = callbackList
	}
	self.mutex.Unlock()
	return callbackList.Add(eventCallback)
}

func (self *Channel) AddConnectCallback(connectCallback ConnectFunction) func() {
	return self.connectCallbacks.Add(connectCallback)
}

// Emit queues one event for the server, best effort.
// when the link is down the event is dropped and ErrNotConnected returned.
func (self *Channel) Emit(eventName string, data any) error {
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	default:
	}

	if !self.Connected() {
		glog.Infof("[ch]drop %s: not connected\n", eventName)
		return ErrNotConnected
	}

	var dataBytes json.RawMessage
	if data != nil {
		var err error
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}
	message, err := json.Marshal(&channelEvent{
		Event: eventName,
		Data:  dataBytes,
	})
	if err != nil {
		return err
	}

	select {
	case self.send <- message:
		return nil
	default:
		glog.Infof("[ch]drop %s: buffer full\n", eventName)
		return ErrEmitBufferFull
	}
}

func (self *Channel) Close() {
	self.cancel()
}
