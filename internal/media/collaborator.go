package media

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
)

// Direction selects the send or receive transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// Collaborator is the service boundary of the external media router.
type Collaborator interface {
	RouterCapabilities(ctx context.Context) (json.RawMessage, error)
	CreateTransport(ctx context.Context, direction Direction) (TransportParams, error)
	ConnectTransport(ctx context.Context, direction Direction, dtlsParameters json.RawMessage) error
	Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData routing.Tag) (string, error)
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (ConsumerParams, error)
	ResumeConsumer(ctx context.Context, consumerID string) error
	CloseProducer(ctx context.Context, producerID string) error
}

// TransportParams describes a transport created by the collaborator.
type TransportParams struct {
	ID             string          `json:"id"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// ConsumerParams describes a consumer opened by the collaborator.
type ConsumerParams struct {
	ID         string      `json:"id"`
	ProducerID string      `json:"producerId"`
	Kind       string      `json:"kind"`
	AppData    routing.Tag `json:"appData"`
}

const (
	methodRouterCapabilities = "get-router-capabilities"
	methodCreateTransport    = "create-transport"
	methodConnectTransport   = "connect-transport"
	methodProduce            = "produce"
	methodConsume            = "consume"
	methodResumeConsumer     = "resume-consumer"
	methodCloseProducer      = "close-producer"
)

// RemoteCollaborator forwards every primitive as a deadline-bounded call.
type RemoteCollaborator struct {
	calls *Calls
}

// NewRemoteCollaborator wraps a future table.
func NewRemoteCollaborator(calls *Calls) *RemoteCollaborator {
	return &RemoteCollaborator{calls: calls}
}

func (r *RemoteCollaborator) RouterCapabilities(ctx context.Context) (json.RawMessage, error) {
	var caps json.RawMessage
	if err := r.calls.Call(ctx, methodRouterCapabilities, nil, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (r *RemoteCollaborator) CreateTransport(ctx context.Context, direction Direction) (TransportParams, error) {
	var raw json.RawMessage
	if err := r.calls.Call(ctx, methodCreateTransport, map[string]Direction{"direction": direction}, &raw); err != nil {
		return TransportParams{}, err
	}
	var params TransportParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return TransportParams{}, fmt.Errorf("media: decode transport: %w", err)
	}
	params.Raw = raw
	return params, nil
}

func (r *RemoteCollaborator) ConnectTransport(ctx context.Context, direction Direction, dtlsParameters json.RawMessage) error {
	payload := struct {
		Direction      Direction       `json:"direction"`
		DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
	}{Direction: direction, DTLSParameters: dtlsParameters}
	return r.calls.Call(ctx, methodConnectTransport, payload, nil)
}

func (r *RemoteCollaborator) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage, appData routing.Tag) (string, error) {
	payload := struct {
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
		AppData       routing.Tag     `json:"appData"`
	}{Kind: kind, RTPParameters: rtpParameters, AppData: appData}
	var result struct {
		ID string `json:"id"`
	}
	if err := r.calls.Call(ctx, methodProduce, payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("%w: %s: empty producer id", ErrRemote, methodProduce)
	}
	return result.ID, nil
}

func (r *RemoteCollaborator) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (ConsumerParams, error) {
	payload := struct {
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities,omitempty"`
	}{ProducerID: producerID, RTPCapabilities: rtpCapabilities}
	var params ConsumerParams
	if err := r.calls.Call(ctx, methodConsume, payload, &params); err != nil {
		return ConsumerParams{}, err
	}
	if params.ID == "" {
		return ConsumerParams{}, fmt.Errorf("%w: %s: empty consumer id", ErrRemote, methodConsume)
	}
	return params, nil
}

func (r *RemoteCollaborator) ResumeConsumer(ctx context.Context, consumerID string) error {
	return r.calls.Call(ctx, methodResumeConsumer, map[string]string{"consumerId": consumerID}, nil)
}

func (r *RemoteCollaborator) CloseProducer(ctx context.Context, producerID string) error {
	return r.calls.Call(ctx, methodCloseProducer, map[string]string{"producerId": producerID}, nil)
}

// Transports holds what Bootstrap negotiated.
type Transports struct {
	Capabilities json.RawMessage
	Send         TransportParams
	Recv         TransportParams
}

// Bootstrap exchanges router capabilities and opens both transports. Each step is bounded by
// the collaborator deadline; the first failure aborts the rest.
func Bootstrap(ctx context.Context, collaborator Collaborator) (Transports, error) {
	caps, err := collaborator.RouterCapabilities(ctx)
	if err != nil {
		return Transports{}, fmt.Errorf("router capabilities: %w", err)
	}
	result := Transports{Capabilities: caps}
	for _, direction := range []Direction{DirectionSend, DirectionRecv} {
		params, err := collaborator.CreateTransport(ctx, direction)
		if err != nil {
			return Transports{}, fmt.Errorf("create %s transport: %w", direction, err)
		}
		if err := collaborator.ConnectTransport(ctx, direction, params.DTLSParameters); err != nil {
			return Transports{}, fmt.Errorf("connect %s transport: %w", direction, err)
		}
		if direction == DirectionSend {
			result.Send = params
		} else {
			result.Recv = params
		}
	}
	return result, nil
}
