package gateway

import (
	"sync"
	"time"
)

// idleAfter marks clients idle in ClientInfo
const idleAfter = 5 * time.Minute

// ClientRegistry manages connected clients and their session bindings
type ClientRegistry struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	bySession map[string]string // session id -> client id
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:   make(map[string]*Client),
		bySession: make(map[string]string),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and its session binding
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[clientID]; ok {
		if sid := client.BoundSession(); sid != "" {
			delete(r.bySession, sid)
		}
	}
	delete(r.clients, clientID)
}

// BindSession records that a client carries a session
func (r *ClientRegistry) BindSession(client *Client, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client.bindSession(sessionID)
	r.bySession[sessionID] = client.ID
}

// BySession returns the client carrying a session
func (r *ClientRegistry) BySession(sessionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientID, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	client, ok := r.clients[clientID]
	return client, ok
}

// MarkAuthenticated flags a client as authenticated
func (r *ClientRegistry) MarkAuthenticated(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.Authenticated = true
		client.State = StateAuthenticated
	}
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0)
	for _, client := range r.clients {
		if client.Authenticated {
			clients = append(clients, client)
		}
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))

	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			SessionID:     client.BoundSession(),
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > idleAfter,
		})
	}

	return infos
}

// UpdateActivity updates the last activity time for a client
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
