package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/skills"
	"github.com/nidhogg/overseer/internal/toolserver"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateClosing State = "closing"
	StateClosed  State = "closed"
)

// Command kinds accepted while a session is Active.
const (
	CommandPrompt = "prompt"
	CommandSteer  = "steer"
	CommandAbort  = "abort"
)

// ErrSessionClosed indicates a command was issued after the session left
// the Active state.
var ErrSessionClosed = errors.New("session closed")

// ErrBusy indicates the session's command queue is full.
var ErrBusy = errors.New("session command queue full")

// subscriberBufferSize is the channel buffer for each attached subscriber.
const subscriberBufferSize = 64

// commandQueueSize bounds queued-but-undispatched commands per session.
const commandQueueSize = 64

// Command is one inbound instruction for the agent process.
type Command struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	UserID string `json:"-"`
	Origin string `json:"-"` // subscriber id that issued the command
}

// Event is relayed to attached subscribers.
type Event struct {
	Type      string          `json:"type"` // "agent" | "ack" | "error" | "closed"
	SessionID string          `json:"session_id"`
	Command   string          `json:"command,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	Time      time.Time       `json:"time"`
}

// Capabilities is the set of tools and skills available to a session,
// assembled as a snapshot at dispatch time.
type Capabilities struct {
	Tools  []toolserver.ToolInfo `json:"tools"`
	Skills []*skills.Skill       `json:"skills"`
}

// CapabilitySource produces the capability snapshot for a dispatch. Pulled
// fresh on every prompt so connection flaps and skill migrations are never
// served from a stale cache.
type CapabilitySource interface {
	Snapshot(userID, workDir string) (Capabilities, error)
}

// Session is one running agent process bound to a working directory. All
// commands for the session are serialized through a single run loop;
// subscribers receive the process's output as events. Detaching the last
// subscriber never destroys the session.
type Session struct {
	ID      string
	WorkDir string

	proc   Process
	caps   CapabilitySource
	logger *zap.Logger

	cmds chan Command

	mu    sync.Mutex
	state State
	subs  map[string]chan Event
}

// New starts the agent process for a workspace and begins the session's
// run loop.
func New(id, workDir string, start StartFunc, caps CapabilitySource, logger *zap.Logger) (*Session, error) {
	proc, err := start(workDir)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	s := &Session{
		ID:      id,
		WorkDir: workDir,
		proc:    proc,
		caps:    caps,
		logger:  logger.With(zap.String("session", id)),
		cmds:    make(chan Command, commandQueueSize),
		state:   StateActive,
		subs:    make(map[string]chan Event),
	}
	go s.run()
	go s.relayOutput()
	s.logger.Info("session started", zap.String("work_dir", workDir))
	return s, nil
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach registers a new subscriber and returns its event channel with a
// subscription id for Detach. Attaching is a pure membership operation.
func (s *Session) Attach() (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)
	s.mu.Lock()
	s.subs[subID] = ch
	s.mu.Unlock()
	s.logger.Debug("subscriber attached", zap.String("sub", subID))
	return ch, subID
}

// Detach removes a subscriber. The session itself stays alive so a client
// can reattach later. The channel is left open for any in-flight publish;
// consumers stop reading on their own.
func (s *Session) Detach(subID string) {
	s.mu.Lock()
	delete(s.subs, subID)
	s.mu.Unlock()
	s.logger.Debug("subscriber detached", zap.String("sub", subID))
}

// SubscriberCount returns the number of currently attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dispatch enqueues a command. Commands are applied in receipt order by the
// run loop; dispatch failures come back asynchronously as error events on
// the originating subscriber.
func (s *Session) Dispatch(cmd Command) error {
	// Enqueue while holding the lock: once the close path flips the state
	// no further command can slip into the queue, so the close-time drain
	// sees every accepted command.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrSessionClosed
	}
	select {
	case s.cmds <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// Dispose tears the session down: abort is sent to the process, the process
// is killed, and the state moves through Closing to Closed. Idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.logger.Info("session disposing")
	if line, err := json.Marshal(Command{Type: CommandAbort}); err == nil {
		s.proc.Send(line) // best effort before the kill
	}
	s.proc.Kill()
}

// run serializes command dispatch against the agent process.
func (s *Session) run() {
	for {
		select {
		case cmd := <-s.cmds:
			s.dispatch(cmd)
		case <-s.proc.Done():
			return
		}
	}
}

// dispatch writes one command to the process, attaching a fresh capability
// snapshot to prompts. Failures are relayed to the originating subscriber
// only; the session and other subscribers are unaffected.
func (s *Session) dispatch(cmd Command) {
	msg := struct {
		Command
		Capabilities *Capabilities `json:"capabilities,omitempty"`
	}{Command: cmd}

	if cmd.Type == CommandPrompt && s.caps != nil {
		caps, err := s.caps.Snapshot(cmd.UserID, s.WorkDir)
		if err != nil {
			s.logger.Warn("capability snapshot failed", zap.Error(err))
		} else {
			msg.Capabilities = &caps
		}
	}

	line, err := json.Marshal(msg)
	if err == nil {
		err = s.proc.Send(line)
	}
	if err != nil {
		s.logger.Warn("command dispatch failed",
			zap.String("command", cmd.Type), zap.Error(err))
		s.publishTo(cmd.Origin, Event{
			Type:      "error",
			SessionID: s.ID,
			Command:   cmd.Type,
			Message:   err.Error(),
			Time:      time.Now(),
		})
		return
	}

	s.publishTo(cmd.Origin, Event{
		Type:      "ack",
		SessionID: s.ID,
		Command:   cmd.Type,
		Time:      time.Now(),
	})
}

// relayOutput fans process output out to every subscriber and finalizes the
// session when the process exits.
func (s *Session) relayOutput() {
	for line := range s.proc.Output() {
		data := make(json.RawMessage, len(line))
		copy(data, line)
		if !json.Valid(data) {
			// Non-JSON chatter from the agent is wrapped as a string.
			data, _ = json.Marshal(string(line))
		}
		s.publish(Event{
			Type:      "agent",
			SessionID: s.ID,
			Data:      data,
			Time:      time.Now(),
		})
	}

	<-s.proc.Done()
	procErr := s.proc.Err()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	s.drainCommands()

	closed := Event{Type: "closed", SessionID: s.ID, Time: time.Now()}
	if procErr != nil {
		closed.Message = procErr.Error()
		s.logger.Warn("agent process failed", zap.Error(procErr))
	} else {
		s.logger.Info("session closed")
	}
	s.publish(closed)
}

// drainCommands reports commands that were accepted but never reached the
// process back to their origins. The run loop exits as soon as the process
// is done, so anything still queued at that point would otherwise vanish
// without an error event. Dispatch rejects new commands once the state is
// Closed, making a single drain pass sufficient.
func (s *Session) drainCommands() {
	for {
		select {
		case cmd := <-s.cmds:
			s.publishTo(cmd.Origin, Event{
				Type:      "error",
				SessionID: s.ID,
				Command:   cmd.Type,
				Message:   ErrSessionClosed.Error(),
				Time:      time.Now(),
			})
		default:
			return
		}
	}
}

// publish sends an event to every subscriber, dropping it for any whose
// buffer is full.
func (s *Session) publish(ev Event) {
	s.mu.Lock()
	targets := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			s.logger.Debug("dropped event for slow subscriber",
				zap.String("type", ev.Type))
		}
	}
}

// publishTo sends an event to one subscriber; an empty or unknown id falls
// back to a broadcast so the failure is never silently lost.
func (s *Session) publishTo(subID string, ev Event) {
	if subID == "" {
		s.publish(ev)
		return
	}
	s.mu.Lock()
	ch, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		s.publish(ev)
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
