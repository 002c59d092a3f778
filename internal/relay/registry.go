// ABOUTME: Tracks live socket connections and the user behind each one
// ABOUTME: Injected into the socket server so it can be shared or inspected

package relay

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrConnectionExists indicates a connection id is already registered.
var ErrConnectionExists = errors.New("connection already registered")

// ConnectionRegistry maps connection ids to users and back.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	users  map[string]string              // connectionID -> userID
	byUser map[string]map[string]struct{} // userID -> connectionIDs
	logger *slog.Logger
}

// NewConnectionRegistry creates an empty registry. Pass nil logger for default.
func NewConnectionRegistry(logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRegistry{
		users:  make(map[string]string),
		byUser: make(map[string]map[string]struct{}),
		logger: logger.With("component", "connections"),
	}
}

// Add registers a connection for userID.
// Returns ErrConnectionExists if the id is taken.
func (r *ConnectionRegistry) Add(connectionID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[connectionID]; exists {
		return ErrConnectionExists
	}
	r.users[connectionID] = userID
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[userID] = conns
	}
	conns[connectionID] = struct{}{}

	r.logger.Debug("connection added",
		"connection_id", connectionID,
		"user_id", userID,
		"total_connections", len(r.users),
	)
	return nil
}

// Remove forgets a connection. Unknown ids are ignored.
func (r *ConnectionRegistry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, exists := r.users[connectionID]
	if !exists {
		return
	}
	delete(r.users, connectionID)
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
		}
	}

	r.logger.Debug("connection removed",
		"connection_id", connectionID,
		"user_id", userID,
		"total_connections", len(r.users),
	)
}

// UserFor returns the user behind a connection
func (r *ConnectionRegistry) UserFor(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.users[connectionID]
	return userID, ok
}

// ConnectionsFor returns the ids of a user's live connections
func (r *ConnectionRegistry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Len is the number of live connections
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
