package presence

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidID is returned when a branch, user or connection id is empty.
	ErrInvalidID = errors.New("presence: empty identifier")
	// ErrConnectionInUse is returned when a connection id is already bound to another user.
	ErrConnectionInUse = errors.New("presence: connection id bound to another user")
	// ErrStoreUnavailable wraps every failed store round trip.
	ErrStoreUnavailable = errors.New("presence: store unavailable")
)

// MetadataVersion is the layout version written next to every stored record.
const MetadataVersion = 1

// DefaultRole is used when a user connects without a role.
const DefaultRole = "member"

// Metadata is the display information a caller supplies on connect.
type Metadata struct {
	Name     string `json:"name,omitempty"`
	PhotoURL string `json:"photoUrl,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Merge returns m updated with every non-empty field of update.
func (m Metadata) Merge(update Metadata) Metadata {
	if update.Name != "" {
		m.Name = update.Name
	}
	if update.PhotoURL != "" {
		m.PhotoURL = update.PhotoURL
	}
	if update.Role != "" {
		m.Role = update.Role
	}
	return m
}

func (m Metadata) withDefaults() Metadata {
	if m.Role == "" {
		m.Role = DefaultRole
	}
	return m
}

// Member is one online user in a branch, as reported by ListMembers and
// carried by online-members events.
type Member struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PhotoURL     string    `json:"photoUrl"`
	Role         string    `json:"role"`
	BranchID     string    `json:"branchId"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Record is the stored presence record for one (branch, user) pair.
type Record struct {
	BranchID     string
	UserID       string
	Version      int
	Metadata     Metadata
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

func (r Record) member() Member {
	return Member{
		ID:           r.UserID,
		Name:         r.Metadata.Name,
		PhotoURL:     r.Metadata.PhotoURL,
		Role:         r.Metadata.Role,
		BranchID:     r.BranchID,
		LastActiveAt: r.LastActiveAt,
	}
}

// ConnRef is what a connection id resolves to in the reverse index.
type ConnRef struct {
	BranchID string
	UserID   string
}

// RegisterResult is returned by RegisterConnection.
type RegisterResult struct {
	FirstConnection bool
	Members         []Member
}

// DeregisterResult is returned by DeregisterConnection for a known connection.
type DeregisterResult struct {
	WentOffline bool
	BranchID    string
	UserID      string
	Members     []Member
}

// Kind enumerates the events the registry emits.
type Kind uint8

const (
	KindUserOnline Kind = iota + 1
	KindUserOffline
	KindOnlineMembers
)

// Kinds lists every valid event kind.
var Kinds = []Kind{KindUserOnline, KindUserOffline, KindOnlineMembers}

func (k Kind) String() string {
	switch k {
	case KindUserOnline:
		return "user-online"
	case KindUserOffline:
		return "user-offline"
	case KindOnlineMembers:
		return "online-members"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("presence: unknown event kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, candidate := range Kinds {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("presence: unknown event kind %q", text)
}

func (k Kind) valid() bool {
	return k >= KindUserOnline && k <= KindOnlineMembers
}

// UserOnline is the payload of a user-online event.
type UserOnline struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	Role        string    `json:"role,omitempty"`
	BranchID    string    `json:"branchId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// UserOffline is the payload of a user-offline event.
type UserOffline struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branchId"`
	WentOfflineAt time.Time `json:"wentOfflineAt"`
}

// Event is a single registry event. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind     Kind
	BranchID string
	// Origin is the instance id that produced the state change.
	Origin string
	// Remote is true when the event arrived from a sibling instance.
	Remote bool

	Online  *UserOnline
	Offline *UserOffline
	Members []Member
}

// Payload returns the kind-specific payload.
func (e Event) Payload() any {
	switch e.Kind {
	case KindUserOnline:
		return e.Online
	case KindUserOffline:
		return e.Offline
	default:
		if e.Members == nil {
			return []Member{}
		}
		return e.Members
	}
}

func validIDs(ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return ErrInvalidID
		}
	}
	return nil
}
