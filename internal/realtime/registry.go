// Package realtime tracks live push connections, indexes them by user and
// topic, and multicasts messages to them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/ai-response-service/internal/events"
)

// ErrUnknownConnection is returned for operations on a connection that is
// not, or no longer, registered.
var ErrUnknownConnection = errors.New("realtime: unknown connection")

// Addressing scopes reported to the Recorder.
const (
	ScopeDirect    = "direct"
	ScopeUser      = "user"
	ScopeTopic     = "topic"
	ScopeBroadcast = "broadcast"
)

// Transport is the write side of one connection.
type Transport interface {
	// Send queues data for delivery without blocking.
	Send(data []byte) error
	Ping() error
	Close() error
}

// Recorder receives connection and delivery counts.
type Recorder interface {
	ConnectionsChanged(n int)
	MessagesSent(scope string, n int)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionsChanged(int)   {}
func (nopRecorder) MessagesSent(string, int) {}

// conn is the registry's view of a connection. It only names its user; the
// registry owns the user and topic indices.
type conn struct {
	id        string
	transport Transport
	userID    string
	topics    map[string]struct{}
	language  string
	alive     bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval sets how often Run sweeps connections.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry owns every live connection and the user and topic indices.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*conn
	byUser  map[string]map[string]struct{}
	byTopic map[string]map[string]struct{}

	heartbeat time.Duration
	recorder  Recorder
	logger    *slog.Logger
}

var _ events.Emitter = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*conn),
		byUser:    make(map[string]map[string]struct{}),
		byTopic:   make(map[string]map[string]struct{}),
		heartbeat: 30 * time.Second,
		recorder:  nopRecorder{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "realtime"))
	return r
}

// Register adds t as a live, anonymous connection and returns its id.
func (r *Registry) Register(t Transport) string {
	c := &conn{
		id:        uuid.NewString(),
		transport: t,
		topics:    make(map[string]struct{}),
		alive:     true,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	n := len(r.conns)
	r.mu.Unlock()

	r.recorder.ConnectionsChanged(n)
	return c.id
}

// Identify binds connID to userID, moving it out of any previous user's set.
func (r *Registry) Identify(connID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.userID == userID {
		return nil
	}
	if c.userID != "" {
		removeFromIndex(r.byUser, c.userID, connID)
	}
	c.userID = userID
	if userID != "" {
		addToIndex(r.byUser, userID, connID)
	}
	return nil
}

// Subscribe adds topic to connID's subscriptions.
func (r *Registry) Subscribe(connID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	c.topics[topic] = struct{}{}
	addToIndex(r.byTopic, topic, connID)
	return nil
}

// Unsubscribe removes topic from connID's subscriptions.
func (r *Registry) Unsubscribe(connID, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	delete(c.topics, topic)
	removeFromIndex(r.byTopic, topic, connID)
	return nil
}

// SetLanguage records the preferred reply language of connID.
func (r *Registry) SetLanguage(connID, language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	c.language = language
	return nil
}

// Language returns the preferred language of connID.
func (r *Registry) Language(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.language, true
}

// MarkAlive records a sign of life from connID.
func (r *Registry) MarkAlive(connID string) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.alive = true
	}
	r.mu.Unlock()
}

// Disconnect removes connID from every index and closes its transport. It
// reports whether the connection was registered.
func (r *Registry) Disconnect(connID string) bool {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		r.unindex(c)
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = c.transport.Close()
	r.recorder.ConnectionsChanged(n)
	return true
}

// unindex drops c from all maps. Callers hold mu.
func (r *Registry) unindex(c *conn) {
	delete(r.conns, c.id)
	if c.userID != "" {
		removeFromIndex(r.byUser, c.userID, c.id)
	}
	for topic := range c.topics {
		removeFromIndex(r.byTopic, topic, c.id)
	}
}

// Send delivers msg to one connection.
func (r *Registry) Send(connID string, msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to marshal message", slog.Any("error", err))
		return false
	}

	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := c.transport.Send(data); err != nil {
		return false
	}
	r.recorder.MessagesSent(ScopeDirect, 1)
	return true
}

// SendToUser delivers msg to every connection of userID and returns how many
// accepted it.
func (r *Registry) SendToUser(userID string, msg any) int {
	r.mu.RLock()
	targets := r.collect(r.byUser[userID])
	r.mu.RUnlock()

	return r.deliver(ScopeUser, targets, msg)
}

// SendToTopic delivers msg to every subscriber of topic.
func (r *Registry) SendToTopic(topic string, msg any) int {
	r.mu.RLock()
	targets := r.collect(r.byTopic[topic])
	r.mu.RUnlock()

	return r.deliver(ScopeTopic, targets, msg)
}

// Broadcast delivers msg to every connection not identified as excludeUserID.
func (r *Registry) Broadcast(msg any, excludeUserID string) int {
	r.mu.RLock()
	targets := make([]Transport, 0, len(r.conns))
	for _, c := range r.conns {
		if excludeUserID != "" && c.userID == excludeUserID {
			continue
		}
		targets = append(targets, c.transport)
	}
	r.mu.RUnlock()

	return r.deliver(ScopeBroadcast, targets, msg)
}

// Emit pushes a job event to the user's connections. Users with no
// connection on this instance are skipped silently.
func (r *Registry) Emit(_ context.Context, e events.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	n := r.SendToUser(e.UserID, ServerMessage{
		Type:           e.Type,
		RequestID:      e.RequestID,
		ConversationID: e.ConversationID,
		Message:        e.Message,
		Persona:        e.Persona,
		Error:          e.Error,
	})
	r.logger.Debug("Event pushed",
		slog.String("type", e.Type),
		slog.String("request_id", e.RequestID),
		slog.Int("connections", n),
	)
	return nil
}

// collect resolves ids to transports. Callers hold mu for reading.
func (r *Registry) collect(ids map[string]struct{}) []Transport {
	targets := make([]Transport, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			targets = append(targets, c.transport)
		}
	}
	return targets
}

// deliver sends outside the lock; a transport closed meanwhile just fails.
func (r *Registry) deliver(scope string, targets []Transport, msg any) int {
	if len(targets) == 0 {
		return 0
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("Failed to marshal message", slog.Any("error", err))
		return 0
	}

	sent := 0
	for _, t := range targets {
		if err := t.Send(data); err == nil {
			sent++
		}
	}
	r.recorder.MessagesSent(scope, sent)
	return sent
}

// Sweep terminates connections that showed no sign of life since the
// previous sweep, then marks the rest pending and pings them. It returns the
// number of terminated connections.
func (r *Registry) Sweep() int {
	var dead []*conn
	var pending []*conn

	r.mu.Lock()
	for _, c := range r.conns {
		if !c.alive {
			r.unindex(c)
			dead = append(dead, c)
			continue
		}
		c.alive = false
		pending = append(pending, c)
	}
	n := len(r.conns)
	r.mu.Unlock()

	for _, c := range dead {
		_ = c.transport.Close()
	}
	if len(dead) > 0 {
		r.logger.Info("Terminated unresponsive connections", slog.Int("count", len(dead)))
		r.recorder.ConnectionsChanged(n)
	}

	for _, c := range pending {
		if err := c.transport.Ping(); err != nil {
			r.logger.Debug("Ping failed", slog.String("connection_id", c.id), slog.Any("error", err))
			if r.Disconnect(c.id) {
				dead = append(dead, c)
			}
		}
	}
	return len(dead)
}

// Run sweeps every heartbeat interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// CloseAll disconnects every connection.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Disconnect(id)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserConnections returns the ids of userID's connections, sorted.
func (r *Registry) UserConnections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// TopicConnections returns the ids of topic's subscribers, sorted.
func (r *Registry) TopicConnections(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byTopic[topic])
}

// Subscriptions returns connID's topics, sorted.
func (r *Registry) Subscriptions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(c.topics)
}

func addToIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
