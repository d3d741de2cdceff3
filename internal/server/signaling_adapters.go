package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/media"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"github.com/MarcoPoloResearchLab/intercom/backend/internal/talk"
	"go.uber.org/zap"
)

var errMissingTrack = errors.New("device returned no track id")

// remoteConsumer forwards pause and level changes for one consumer to the client.
type remoteConsumer struct {
	id     string
	key    routing.Key
	socket *signalSocket
}

func (c *remoteConsumer) ID() string {
	return c.id
}

func (c *remoteConsumer) SetPaused(paused bool) {
	_ = c.socket.Send(outboundMessage{Type: messageConsumerPause, ConsumerID: c.id, Key: c.key.String(), Paused: &paused})
}

func (c *remoteConsumer) SetLevel(level float64) {
	_ = c.socket.Send(outboundMessage{Type: messageConsumerLevel, ConsumerID: c.id, Key: c.key.String(), Level: &level})
}

// remoteDevice asks the client to open or stop its capture track.
type remoteDevice struct {
	calls *media.Calls
}

type trackPayload struct {
	TrackID string `json:"trackId"`
}

func (d remoteDevice) Acquire(ctx context.Context) (string, error) {
	var result trackPayload
	if err := d.calls.Call(ctx, "acquire-device", nil, &result); err != nil {
		return "", err
	}
	if result.TrackID == "" {
		return "", errMissingTrack
	}
	return result.TrackID, nil
}

func (d remoteDevice) Release(ctx context.Context, trackID string) error {
	return d.calls.Call(ctx, "release-device", trackPayload{TrackID: trackID}, nil)
}

// announcingProducer creates the send-side producer and tells every receiver about it.
type announcingProducer struct {
	session *signalingSession
}

func (p announcingProducer) Produce(ctx context.Context, trackID string, target routing.Key) (string, error) {
	s := p.session
	delivery, err := s.handler.directory.Audience(ctx, s.principal.Key, target)
	if err != nil {
		return "", err
	}
	params, err := json.Marshal(trackPayload{TrackID: trackID})
	if err != nil {
		return "", err
	}
	producerID, err := s.collaborator.Produce(ctx, "audio", params, routing.TagFor(target))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.outbound[producerID] = delivery
	s.mu.Unlock()
	s.announce(RealtimeEventStreamStarted, producerID, delivery)
	s.logger.Info("talk stream announced",
		zap.String("producer_id", producerID),
		zap.String("target", target.String()),
		zap.Int("receivers", len(delivery.UserIDs)))
	return producerID, nil
}

// CloseProducer always announces the end of the stream, even when the close round-trip fails.
func (p announcingProducer) CloseProducer(ctx context.Context, producerID string) error {
	s := p.session
	err := s.collaborator.CloseProducer(ctx, producerID)

	s.mu.Lock()
	delivery, ok := s.outbound[producerID]
	delete(s.outbound, producerID)
	s.mu.Unlock()
	if ok {
		s.announce(RealtimeEventStreamEnded, producerID, delivery)
	}
	return err
}

// sessionEvents reports speaking transitions to the client.
type sessionEvents struct {
	session *signalingSession
}

func (e sessionEvents) SpeakingChanged(key routing.Key, speaking bool) {
	e.session.send(outboundMessage{Type: messageSpeaking, Key: key.String(), Label: e.session.label(key), Speaking: &speaking})
}

func (e sessionEvents) LastSpokeChanged(key routing.Key) {
	e.session.send(outboundMessage{Type: messageLastSpoke, Key: key.String(), Label: e.session.label(key)})
}

// talkEvents keeps ducking in step with the talk machine and mirrors its state to the client.
type talkEvents struct {
	session *signalingSession
}

func (e talkEvents) TalkStatusChanged(status talk.Status) {
	s := e.session
	s.state.SetLocalTalking(status.Talking())
	message := outboundMessage{Type: messageTalkState, State: status.State.String(), Locked: &status.Locked}
	if !status.Target.IsZero() {
		message.Key = status.Target.String()
		message.Label = s.label(status.Target)
	}
	if status.Err != nil {
		message.Error = status.Err.Error()
	}
	s.send(message)
}
