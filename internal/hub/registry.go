package hub

import (
	"sort"
	"sync"
)

type Role string

const (
	RoleNone     Role = ""
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Conn is one live transport connection. Send must not block; a connection
// that cannot accept more messages returns an error instead.
type Conn interface {
	ID() string
	Send(event string, payload any) error
}

// Identity is what a connection declared about itself when joining. Each
// join adds its role's attributes; attributes from earlier joins are kept.
type Identity struct {
	Role       Role
	VehicleID  string
	DriverID   string
	DriverName string
	CarID      string
	BookingID  string
	CustomerID string
	Admin      bool
}

// IsDriver reports whether the connection ever joined as a driver.
func (i Identity) IsDriver() bool { return i.VehicleID != "" }

// merge folds a join into the identity. A driver join replaces the driver
// attributes; the driver role outranks roles joined later.
func (i Identity) merge(j Identity) Identity {
	if j.VehicleID != "" {
		i.VehicleID, i.DriverID, i.DriverName = j.VehicleID, j.DriverID, j.DriverName
	}
	if j.CarID != "" {
		i.CarID = j.CarID
	}
	if j.BookingID != "" {
		i.BookingID = j.BookingID
	}
	if j.CustomerID != "" {
		i.CustomerID = j.CustomerID
	}
	i.Admin = i.Admin || j.Admin || j.Role == RoleAdmin
	if i.Role != RoleDriver && j.Role != RoleNone {
		i.Role = j.Role
	}
	if i.IsDriver() {
		i.Role = RoleDriver
	}
	return i
}

type member struct {
	conn     Conn
	identity Identity
}

// Registry tracks live connections and their identities.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]*member)}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c.ID()] = &member{conn: c}
}

// Remove forgets the connection and returns the identity it carried.
func (r *Registry) Remove(id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return Identity{}, false
	}
	delete(r.members, id)
	return m.identity, true
}

// Join merges ident into the identity of a registered connection. It
// reports false when the connection is unknown.
func (r *Registry) Join(id string, ident Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.identity = m.identity.merge(ident)
	return true
}

// DriverConn returns the id of a live connection that joined as the driver
// of vehicleID.
func (r *Registry) DriverConn(vehicleID string) (string, bool) {
	if vehicleID == "" {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, m := range r.members {
		if m.identity.VehicleID == vehicleID {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) Identity(id string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	if !ok {
		return Identity{}, false
	}
	return m.identity, true
}

// Conns returns a snapshot of all connections, ordered by id.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.conn)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// CountByRole groups connections by role; connections that have not joined
// yet are counted under RoleNone.
func (r *Registry) CountByRole() map[Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]int, 4)
	for _, m := range r.members {
		out[m.identity.Role]++
	}
	return out
}
