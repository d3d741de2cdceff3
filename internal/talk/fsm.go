// Package talk drives the lifecycle of a client's outbound push-to-talk stream.
package talk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/intercom/backend/internal/routing"
	"go.uber.org/zap"
)

// ErrDeviceUnavailable indicates the capture device could not be acquired.
var ErrDeviceUnavailable = errors.New("talk: device unavailable")

var (
	errMissingDevice   = errors.New("talk: device is required")
	errMissingProducer = errors.New("talk: producer is required")
)

// State enumerates the outbound stream lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiringDevice
	StateProducing
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringDevice:
		return "acquiring-device"
	case StateProducing:
		return "producing"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device acquires and releases the capture track.
type Device interface {
	Acquire(ctx context.Context) (string, error)
	Release(ctx context.Context, trackID string) error
}

// Producer publishes a captured track addressed to target.
type Producer interface {
	Produce(ctx context.Context, trackID string, target routing.Key) (string, error)
	CloseProducer(ctx context.Context, producerID string) error
}

// Status is a snapshot of the machine.
type Status struct {
	State      State
	Target     routing.Key
	Locked     bool
	ProducerID string
	Err        error
}

// Talking reports whether a stream is being produced.
func (s Status) Talking() bool {
	return s.State == StateProducing
}

// Observer is told about every state change while the machine is locked; it must not call back
// into the machine.
type Observer interface {
	TalkStatusChanged(status Status)
}

// Config wires the machine to its collaborators.
type Config struct {
	Device   Device
	Producer Producer
	Observer Observer
	Logger   *zap.Logger
	Timeout  time.Duration
}

// FSM is the talk state machine. Event methods apply their transition synchronously and run
// device and producer round-trips in the background; every continuation re-checks state after
// its await.
type FSM struct {
	device   Device
	producer Producer
	observer Observer
	logger   *zap.Logger
	timeout  time.Duration

	mu         sync.Mutex
	state      State
	target     routing.Key
	locked     bool
	released   bool
	generation uint64
	trackID    string
	producerID string
	next       *routing.Key
	lastErr    error

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// New validates the collaborators and builds an idle machine.
func New(cfg Config) (*FSM, error) {
	if cfg.Device == nil {
		return nil, errMissingDevice
	}
	if cfg.Producer == nil {
		return nil, errMissingProducer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FSM{
		device:   cfg.Device,
		producer: cfg.Producer,
		observer: cfg.Observer,
		logger:   logger,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Status returns the current snapshot.
func (f *FSM) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusLocked()
}

// Press starts talking to target. It is a no-op unless the machine is idle.
func (f *FSM) Press(target routing.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateIdle {
		return false
	}
	f.startLocked(target, false)
	return true
}

// Release ends a non-locked talk. A release during device acquisition cancels the talk.
func (f *FSM) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked {
		return
	}
	f.stopLocked()
}

// Lock toggles a talk lock on target. Locking the held target again stops it; locking a
// different target first closes the held stream and then starts the new one.
func (f *FSM) Lock(target routing.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StateIdle:
		f.startLocked(target, true)
	case StateClosing:
		f.next = &target
	default:
		if f.target != target {
			f.next = &target
			f.locked = false
			f.stopLocked()
			return
		}
		if f.locked {
			f.locked = false
			f.stopLocked()
			return
		}
		f.locked = true
		f.released = false
		f.emitLocked()
	}
}

// Stop ends any talk, locked or not, and drops a queued lock.
func (f *FSM) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = nil
	f.locked = false
	f.stopLocked()
}

// OnTransportClosed handles a producer closed underneath the machine.
func (f *FSM) OnTransportClosed(producerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateProducing || f.producerID != producerID {
		return
	}
	f.locked = false
	f.stopLocked()
}

// Wait blocks until no round-trip is in flight.
func (f *FSM) Wait() {
	f.inflight.Wait()
}

// Close stops any talk, waits for cleanup and cancels outstanding round-trips.
func (f *FSM) Close() {
	f.Stop()
	f.Wait()
	f.cancel()
}

func (f *FSM) startLocked(target routing.Key, locked bool) {
	f.generation++
	f.state = StateAcquiringDevice
	f.target = target
	f.locked = locked
	f.released = false
	f.trackID = ""
	f.producerID = ""
	f.lastErr = nil
	f.emitLocked()
	generation := f.generation
	f.spawn(func() { f.acquire(generation, target) })
}

func (f *FSM) stopLocked() {
	switch f.state {
	case StateAcquiringDevice:
		f.released = true
	case StateProducing:
		f.closeLocked()
	}
}

// closeLocked moves Producing to Closing and tears the stream down in the background.
func (f *FSM) closeLocked() {
	f.state = StateClosing
	f.locked = false
	producerID, trackID, generation := f.producerID, f.trackID, f.generation
	f.emitLocked()
	f.spawn(func() {
		f.teardown(producerID, trackID)
		f.complete(generation, nil)
	})
}

func (f *FSM) acquire(generation uint64, target routing.Key) {
	ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
	trackID, err := f.device.Acquire(ctx)
	cancel()

	f.mu.Lock()
	if f.generation != generation || f.state != StateAcquiringDevice {
		f.mu.Unlock()
		if err == nil {
			f.releaseDevice(trackID)
		}
		return
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		f.logger.Warn("talk device acquisition failed", zap.String("target", target.String()), zap.Error(err))
		f.finishLocked(err)
		f.mu.Unlock()
		return
	}
	f.trackID = trackID
	cancelled := f.released
	f.mu.Unlock()

	if cancelled {
		f.releaseDevice(trackID)
		f.complete(generation, nil)
		return
	}

	ctx, cancel = context.WithTimeout(f.ctx, f.timeout)
	producerID, err := f.producer.Produce(ctx, trackID, target)
	cancel()
	if err != nil {
		f.logger.Warn("talk produce failed", zap.String("target", target.String()), zap.Error(err))
		f.releaseDevice(trackID)
		f.complete(generation, err)
		return
	}

	f.mu.Lock()
	f.producerID = producerID
	if !f.released {
		f.state = StateProducing
		f.emitLocked()
		f.mu.Unlock()
		return
	}
	// Released while the producer was being created: it must not outlive the release.
	f.state = StateClosing
	f.emitLocked()
	f.mu.Unlock()
	f.teardown(producerID, trackID)
	f.complete(generation, nil)
}

func (f *FSM) complete(generation uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.generation == generation {
		f.finishLocked(err)
	}
}

// teardown closes the producer and stops the device. Both steps always run.
func (f *FSM) teardown(producerID, trackID string) {
	if producerID != "" {
		ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
		err := f.producer.CloseProducer(ctx, producerID)
		cancel()
		if err != nil {
			f.logger.Warn("talk close producer failed", zap.String("producer_id", producerID), zap.Error(err))
		}
	}
	f.releaseDevice(trackID)
}

func (f *FSM) releaseDevice(trackID string) {
	if trackID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
	defer cancel()
	if err := f.device.Release(ctx, trackID); err != nil {
		f.logger.Warn("talk device release failed", zap.String("track_id", trackID), zap.Error(err))
	}
}

// finishLocked returns to Idle and starts a queued lock, if any.
func (f *FSM) finishLocked(err error) {
	f.state = StateIdle
	f.locked = false
	f.released = false
	f.trackID = ""
	f.producerID = ""
	f.lastErr = err
	f.emitLocked()
	if f.next != nil {
		target := *f.next
		f.next = nil
		f.startLocked(target, true)
	}
}

func (f *FSM) emitLocked() {
	if f.observer != nil {
		f.observer.TalkStatusChanged(f.statusLocked())
	}
}

func (f *FSM) statusLocked() Status {
	return Status{
		State:      f.state,
		Target:     f.target,
		Locked:     f.locked,
		ProducerID: f.producerID,
		Err:        f.lastErr,
	}
}

func (f *FSM) spawn(task func()) {
	f.inflight.Add(1)
	go func() {
		defer f.inflight.Done()
		task()
	}()
}
