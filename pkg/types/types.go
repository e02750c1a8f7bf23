package types

import (
	"encoding/json"
	"time"
)

// UserView is the authenticated player's profile as returned by the backend.
type UserView struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Resources holds an empire's stockpiles. Credits is always present on a
// normalized payload; the backend omits zero values.
type Resources struct {
	Credits  int64 `json:"credits"`
	Alloy    int64 `json:"alloy,omitempty"`
	Compound int64 `json:"compound,omitempty"`
}

// EmpireView is the player's empire as returned by the backend.
type EmpireView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	HomeRegion string     `json:"homeRegion,omitempty"`
	Resources  *Resources `json:"resources,omitempty"`
}

// Normalize defaults optional sub-fields so consumers never branch on them.
// The backend omits the resources block for brand-new empires.
func (e *EmpireView) Normalize() {
	if e == nil {
		return
	}
	if e.Resources == nil {
		e.Resources = &Resources{}
	}
}

// Session is the in-memory representation of the current login. It is owned
// exclusively by the auth manager and mutated only through its commit path.
// Authenticated is recomputed on every mutation: it is true iff both the
// credential and the user are present.
type Session struct {
	User          *UserView
	Empire        *EmpireView
	Credential    string
	Authenticated bool
}

// Recompute updates the derived Authenticated flag from the session's
// constituent fields.
func (s *Session) Recompute() {
	s.Authenticated = s.Credential != "" && s.User != nil
}

// Clone returns a deep copy of the session so subscribers never observe a
// half-updated session.
func (s Session) Clone() Session {
	out := s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	if s.Empire != nil {
		e := *s.Empire
		out.Empire = &e
		if s.Empire.Resources != nil {
			r := *s.Empire.Resources
			out.Empire.Resources = &r
		}
	}
	return out
}

// NetworkStatus is the monitor's view of connectivity. It is replaced
// wholesale on every check; readers never see fields from different probes.
type NetworkStatus struct {
	Online           bool
	BackendReachable bool
	LastCheckedAt    time.Time
	LatencyMS        int64
	Error            string
}

// ConnectionHealth aggregates the connected flag of each manager. It is
// derived, never stored, and recomputed on every constituent event.
type ConnectionHealth struct {
	Auth    bool `json:"auth"`
	Network bool `json:"network"`
	Socket  bool `json:"socket"`
	Sync    bool `json:"sync"`
}

// Overall health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

// Overall collapses the per-manager flags into a single state: healthy when
// all are connected, offline when none are, degraded otherwise.
func (h ConnectionHealth) Overall() string {
	connected := 0
	for _, ok := range []bool{h.Auth, h.Network, h.Socket, h.Sync} {
		if ok {
			connected++
		}
	}
	switch connected {
	case 4:
		return HealthHealthy
	case 0:
		return HealthOffline
	default:
		return HealthDegraded
	}
}

// Envelope is the canonical response shape of every backend endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// PendingOp is a queued write waiting for the background sync manager to
// replay it against the backend.
type PendingOp struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Body      []byte    `json:"body,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Attempts  int       `json:"attempts"`
}
