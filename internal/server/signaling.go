package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/directory"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/media"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/session"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/talk"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client -> server message types.
const (
	messageReply               = "reply"
	messageStreamStart         = "stream-start"
	messageStreamStop          = "stream-stop"
	messageToggleMute          = "toggle-mute"
	messageSetFeedVolume       = "set-feed-volume"
	messageSetFeedDim          = "set-feed-dim"
	messageSetDuckDB           = "set-duck-db"
	messageSetDimWhileSpeaking = "set-dim-while-speaking"
	messageTalkPress           = "talk-press"
	messageTalkRelease         = "talk-release"
	messageTalkLock            = "talk-lock"
	messageTalkStop            = "talk-stop"
	messageProducerClosed      = "producer-closed"
)

// Server -> client message types.
const (
	messageRequest        = "request"
	messageWelcome        = "welcome"
	messageTargets        = "targets"
	messageSpeaking       = "speaking"
	messageLastSpoke      = "last-spoke"
	messageMuted          = "muted"
	messageConsumerPause  = "consumer-pause"
	messageConsumerLevel  = "consumer-level"
	messageTalkState      = "talk-state"
	messageTargetsChanged = "targets-changed"
	messageError          = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type inboundMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Key        string          `json:"key,omitempty"`
	ConsumerID string          `json:"consumer_id,omitempty"`
	ProducerID string          `json:"producer_id,omitempty"`
	AppData    routing.Tag     `json:"app_data"`
	PeerID     string          `json:"peer_id,omitempty"`
	Volume     *float64        `json:"volume,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	DB         *float64        `json:"db,omitempty"`
}

type outboundMessage struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Key        string          `json:"key,omitempty"`
	Label      string          `json:"label,omitempty"`
	Principal  string          `json:"principal,omitempty"`
	Speaking   *bool           `json:"speaking,omitempty"`
	Muted      *bool           `json:"muted,omitempty"`
	ConsumerID string          `json:"consumer_id,omitempty"`
	Paused     *bool           `json:"paused,omitempty"`
	Level      *float64        `json:"level,omitempty"`
	State      string          `json:"state,omitempty"`
	Locked     *bool           `json:"locked,omitempty"`
	Error      string          `json:"error,omitempty"`
	Targets    []targetPayload `json:"targets,omitempty"`
}

type inboundStream struct {
	consumerID string
	key        routing.Key
}

func (h *httpHandler) handleSignaling(c *gin.Context) {
	token, err := auth.RequestToken(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("principal", principal.Key.String()), zap.Error(err))
		return
	}

	signaling, err := newSignalingSession(h, principal, newSignalSocket(ws))
	if err != nil {
		h.logger.Error("failed to start signaling session", zap.Error(err))
		_ = ws.Close()
		return
	}
	signaling.run(h.ctx)
}

// signalingSession is the connection task owning one client's session state and talk machine.
type signalingSession struct {
	id        string
	handler   *httpHandler
	principal auth.Principal
	userID    uint
	socket    *signalSocket
	logger    *zap.Logger

	calls        *media.Calls
	collaborator media.Collaborator
	state        *session.State
	talk         *talk.FSM

	mediaReady chan struct{}

	mu         sync.Mutex
	transports media.Transports
	mediaErr   error
	inbound    map[string]inboundStream
	outbound   map[string]directory.Delivery
}

func newSignalingSession(h *httpHandler, principal auth.Principal, socket *signalSocket) (*signalingSession, error) {
	s := &signalingSession{
		id:         uuid.NewString(),
		handler:    h,
		principal:  principal,
		socket:     socket,
		mediaReady: make(chan struct{}),
		inbound:    make(map[string]inboundStream),
		outbound:   make(map[string]directory.Delivery),
	}
	s.userID, _ = principalUserID(principal.Key)
	s.logger = h.logger.With(zap.String("connection_id", s.id), zap.String("principal", principal.Key.String()))

	calls, err := media.NewCalls(s.sendRequest, h.signaling.MediaTimeout)
	if err != nil {
		return nil, err
	}
	s.calls = calls
	s.collaborator = media.NewRemoteCollaborator(calls)
	s.state = session.New(session.Config{
		DuckDB:           h.signaling.DuckDB,
		DimWhileSpeaking: h.signaling.DimWhileSpeaking,
		Observer:         sessionEvents{session: s},
	})
	machine, err := talk.New(talk.Config{
		Device:   remoteDevice{calls: calls},
		Producer: announcingProducer{session: s},
		Observer: talkEvents{session: s},
		Logger:   s.logger,
		Timeout:  h.signaling.MediaTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.talk = machine
	return s, nil
}

func (s *signalingSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	stopOnShutdown := context.AfterFunc(parent, func() {
		s.socket.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stopOnShutdown()

	s.socket.start()
	s.handler.labels.Remember(s.principal.Key, s.principal.Name)
	s.logger.Info("signaling session opened")

	var events <-chan RealtimeMessage
	if s.userID != 0 {
		stream, unsubscribe := s.handler.realtime.Subscribe(ctx, s.userID)
		defer unsubscribe()
		events = stream
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.eventLoop(ctx, events)
	}()
	go func() {
		defer wg.Done()
		s.bootstrap(ctx)
	}()

	s.send(outboundMessage{Type: messageWelcome, Principal: s.principal.Key.String(), Label: s.principal.Name})
	if s.userID != 0 {
		s.sendTargets(ctx)
	}

	err := s.socket.readLoop(func(payload []byte) { s.handleMessage(ctx, payload) })
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("signaling read ended", zap.Error(err))
	}

	cancel()
	s.calls.Close()
	s.talk.Close()
	s.state.Close()
	s.socket.Close(websocket.CloseNormalClosure, "")
	wg.Wait()
	s.logger.Info("signaling session closed")
}

func (s *signalingSession) eventLoop(ctx context.Context, events <-chan RealtimeMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("realtime backlog overflowed; closing connection")
					s.socket.Close(websocket.CloseTryAgainLater, "event backlog overflow")
				}
				return
			}
			s.handleRealtime(ctx, message)
		}
	}
}

func (s *signalingSession) handleRealtime(ctx context.Context, message RealtimeMessage) {
	switch message.EventType {
	case RealtimeEventTargetsChanged:
		s.send(outboundMessage{Type: messageTargetsChanged})
		s.sendTargets(ctx)
	case RealtimeEventStreamStarted:
		s.consume(ctx, message)
	case RealtimeEventStreamEnded:
		s.mu.Lock()
		stream, ok := s.inbound[message.ProducerID]
		delete(s.inbound, message.ProducerID)
		s.mu.Unlock()
		if ok {
			s.state.OnStreamStop(stream.consumerID, stream.key)
		}
	}
}

// bootstrap negotiates router capabilities and both transports, then releases consumers
// waiting on the receive capabilities.
func (s *signalingSession) bootstrap(ctx context.Context) {
	transports, err := media.Bootstrap(ctx, s.collaborator)
	s.mu.Lock()
	s.transports = transports
	s.mediaErr = err
	s.mu.Unlock()
	close(s.mediaReady)
	if err != nil {
		s.logger.Warn("media bootstrap failed", zap.Error(err))
		s.send(outboundMessage{Type: messageError, Error: err.Error()})
	}
}

// receiveCapabilities blocks until bootstrap finished and returns the router capabilities.
func (s *signalingSession) receiveCapabilities(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.mediaReady:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaErr != nil {
		return nil, s.mediaErr
	}
	return s.transports.Capabilities, nil
}

// consume opens a consumer for an announced stream and registers it with the session state.
func (s *signalingSession) consume(ctx context.Context, message RealtimeMessage) {
	caps, err := s.receiveCapabilities(ctx)
	if err != nil {
		s.logger.Warn("consume skipped; media not ready",
			zap.String("producer_id", message.ProducerID),
			zap.Error(err))
		return
	}
	params, err := s.collaborator.Consume(ctx, message.ProducerID, caps)
	if err != nil {
		s.logger.Warn("consume failed",
			zap.String("producer_id", message.ProducerID),
			zap.String("key", message.Key.String()),
			zap.Error(err))
		return
	}
	s.mu.Lock()
	s.inbound[message.ProducerID] = inboundStream{consumerID: params.ID, key: message.Key}
	s.mu.Unlock()

	s.state.OnStreamStart(message.Key, &remoteConsumer{id: params.ID, key: message.Key, socket: s.socket})
	if message.Key.IsFeed() || !s.state.Muted(message.Key) {
		if err := s.collaborator.ResumeConsumer(ctx, params.ID); err != nil {
			s.logger.Warn("resume consumer failed", zap.String("consumer_id", params.ID), zap.Error(err))
		}
	}
}

func (s *signalingSession) handleMessage(ctx context.Context, payload []byte) {
	var message inboundMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		s.send(outboundMessage{Type: messageError, Error: "invalid_message"})
		return
	}

	switch message.Type {
	case messageReply:
		s.calls.Resolve(media.Reply{ID: message.ID, Result: message.Result, Error: message.Error})
	case messageStreamStart:
		key, err := streamKey(message)
		if err != nil || message.ConsumerID == "" {
			s.reject(message.Type, err)
			return
		}
		s.state.OnStreamStart(key, &remoteConsumer{id: message.ConsumerID, key: key, socket: s.socket})
	case messageStreamStop:
		key, err := streamKey(message)
		if err != nil {
			s.reject(message.Type, err)
			return
		}
		s.state.OnStreamStop(message.ConsumerID, key)
	case messageToggleMute:
		key, ok := s.parseKey(message)
		if !ok {
			return
		}
		muted := s.state.ToggleMute(key)
		s.send(outboundMessage{Type: messageMuted, Key: key.String(), Muted: &muted})
	case messageSetFeedVolume:
		key, ok := s.parseKey(message)
		if !ok || message.Volume == nil {
			s.reject(message.Type, nil)
			return
		}
		s.state.SetFeedVolume(key, *message.Volume)
	case messageSetFeedDim:
		key, ok := s.parseKey(message)
		if !ok || message.Enabled == nil {
			s.reject(message.Type, nil)
			return
		}
		s.state.SetFeedDimDisabled(key, !*message.Enabled)
	case messageSetDuckDB:
		if message.DB == nil {
			s.reject(message.Type, nil)
			return
		}
		s.state.SetDuckDB(*message.DB)
	case messageSetDimWhileSpeaking:
		if message.Enabled == nil {
			s.reject(message.Type, nil)
			return
		}
		s.state.SetDimWhileSpeaking(*message.Enabled)
	case messageTalkPress:
		if key, ok := s.parseKey(message); ok {
			s.talk.Press(key)
		}
	case messageTalkLock:
		if key, ok := s.parseKey(message); ok {
			s.talk.Lock(key)
		}
	case messageTalkRelease:
		s.talk.Release()
	case messageTalkStop:
		s.talk.Stop()
	case messageProducerClosed:
		s.talk.OnTransportClosed(message.ProducerID)
	default:
		s.reject(message.Type, nil)
	}
}

// streamKey requires explicitly tagged streams: either a serialized key, or app data with a
// kind, or a prefixed peer id.
func streamKey(message inboundMessage) (routing.Key, error) {
	if message.Key != "" {
		return routing.ParseKey(message.Key)
	}
	tag := message.AppData
	if tag.Raw == "" {
		tag.Raw = message.PeerID
	}
	return routing.ResolveStrict(tag)
}

func (s *signalingSession) parseKey(message inboundMessage) (routing.Key, bool) {
	key, err := routing.ParseKey(message.Key)
	if err != nil {
		s.reject(message.Type, err)
		return routing.Key{}, false
	}
	return key, true
}

func (s *signalingSession) reject(messageType string, err error) {
	reason := "invalid_" + messageType
	if messageType == "" {
		reason = "invalid_message"
	}
	fields := []zap.Field{zap.String("type", messageType)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Debug("signaling message rejected", fields...)
	s.send(outboundMessage{Type: messageError, Error: reason})
}

func (s *signalingSession) sendTargets(ctx context.Context) {
	targets, err := s.handler.directory.ListTargets(ctx, s.userID)
	if err != nil {
		s.logger.Warn("failed to load targets", zap.Error(err))
		return
	}
	s.send(outboundMessage{Type: messageTargets, Targets: s.handler.renderTargets(targets)})
}

func (s *signalingSession) sendRequest(request media.Request) error {
	return s.socket.Send(outboundMessage{
		Type:   messageRequest,
		ID:     request.ID,
		Method: request.Method,
		Params: request.Params,
	})
}

func (s *signalingSession) send(message outboundMessage) {
	if err := s.socket.Send(message); err != nil {
		s.logger.Debug("signaling send dropped", zap.String("type", message.Type), zap.Error(err))
	}
}

func (s *signalingSession) label(key routing.Key) string {
	return s.handler.labels.Label(key)
}

// announce tells every receiver of delivery about a new or ended stream.
func (s *signalingSession) announce(eventType, producerID string, delivery directory.Delivery) {
	for _, userID := range delivery.UserIDs {
		s.handler.realtime.Publish(RealtimeMessage{
			UserID:     userID,
			EventType:  eventType,
			Key:        delivery.Key,
			PeerKey:    s.principal.Key,
			ProducerID: producerID,
		})
	}
}
