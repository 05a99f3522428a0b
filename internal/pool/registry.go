package pool

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Registry maps authenticated users to their single live connection.
// A later authenticate wins: binding a user who is already bound
// supersedes and closes the previous connection.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[int64]*Client),
	}
}

// Bind associates userID with the client and returns the superseded
// client, if any. The superseded client is already closed on return.
func (r *Registry) Bind(userID int64, c *Client) *Client {
	r.mu.Lock()
	old := r.clients[userID]
	c.UserID = userID
	r.clients[userID] = c
	r.mu.Unlock()

	if old != nil && old != c {
		logrus.Infof("user %d reconnected, closing superseded connection %s", userID, old.ConnID)
		old.Close()
		return old
	}

	logrus.Infof("user %d bound to connection %s", userID, c.ConnID)
	return nil
}

// Unbind removes the binding only when connID still identifies the
// bound connection. A disconnect from a superseded connection arriving
// late cannot clear the newer binding.
func (r *Registry) Unbind(userID int64, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.clients[userID]
	if !ok || cur.ConnID != connID {
		return false
	}
	delete(r.clients, userID)
	logrus.Infof("user %d unbound from connection %s", userID, connID)
	return true
}

func (r *Registry) Get(userID int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[userID]
	return c, ok
}

// SendToUser delivers data to the user's connection if one is bound.
// Returns false for offline users; the message itself is already
// persisted, so nothing is lost.
func (r *Registry) SendToUser(userID int64, data []byte) bool {
	c, ok := r.Get(userID)
	if !ok {
		return false
	}
	return c.Send(data)
}

// SendToUsers fans data out to every listed user currently bound.
func (r *Registry) SendToUsers(userIDs []int64, data []byte) {
	for _, id := range userIDs {
		r.SendToUser(id, data)
	}
}

// Broadcast sends data to every bound connection except exceptID.
// Used for presence events; pass 0 to reach everyone.
func (r *Registry) Broadcast(exceptID int64, data []byte) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == exceptID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.Send(data)
	}
}
