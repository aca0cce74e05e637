package model

import (
	"sort"
	"strings"
	"time"
)

// Kind groups protocols by wire behaviour.
type Kind int

const (
	KindStream Kind = iota
	KindDelta
	KindFetchDelete
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDelta:
		return "delta"
	case KindFetchDelete:
		return "fetch-delete"
	default:
		return "unknown"
	}
}

// Protocol identifies the remote protocol an account speaks.
type Protocol string

const (
	ProtocolIMAP  Protocol = "imap"
	ProtocolGmail Protocol = "gmail"
	ProtocolGraph Protocol = "graph"
	ProtocolPOP3  Protocol = "pop3"
)

// Kind returns the protocol family.
func (p Protocol) Kind() Kind {
	switch p {
	case ProtocolGmail, ProtocolGraph:
		return KindDelta
	case ProtocolPOP3:
		return KindFetchDelete
	default:
		return KindStream
	}
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolIMAP, ProtocolGmail, ProtocolGraph, ProtocolPOP3:
		return true
	}
	return false
}

// Endpoint is a host/port pair.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// Account is one remote mailbox.
type Account struct {
	ID       string
	Protocol Protocol
	Username string
	// User is the remote user id for REST protocols ("me" when empty).
	User         string
	Endpoint     Endpoint
	SMTP         Endpoint
	Folders      []string
	PushFolders  []string
	PollInterval time.Duration
}

// WantsFolder reports whether the folder is selected for sync. An empty
// selection means every folder.
func (a Account) WantsFolder(f Folder) bool {
	if len(a.Folders) == 0 {
		return true
	}
	for _, name := range a.Folders {
		if name == f.ID || name == f.Path || name == f.Name {
			return true
		}
	}
	return false
}

// Folder is a named collection of messages under an account.
type Folder struct {
	AccountID string `db:"account_id"`
	ID        string `db:"folder_id"`
	Path      string `db:"path"`
	Name      string `db:"name"`
	Validity  string `db:"validity"`
}

// Cursor is the persisted sync state for one (account, folder).
type Cursor struct {
	AccountID string    `db:"account_id" json:"account_id"`
	FolderID  string    `db:"folder_id" json:"folder_id"`
	Validity  string    `db:"validity" json:"validity"`
	Marker    string    `db:"marker" json:"marker"`
	SyncedAt  time.Time `db:"synced_at" json:"synced_at"`
}

// MessageRef identifies a message on the server.
type MessageRef struct {
	FolderID string `json:"folder_id"`
	RemoteID string `json:"remote_id"`
}

// PlaceholderPrefix marks a remote id that is not known yet.
const PlaceholderPrefix = "pending:"

// IsPlaceholder reports whether ref is a placeholder.
func IsPlaceholder(ref string) bool {
	return strings.HasPrefix(ref, PlaceholderPrefix)
}

// Standard flag names, IMAP spelling.
const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagAnswered = `\Answered`
	FlagDraft    = `\Draft`
	FlagDeleted  = `\Deleted`
)

// NormalizeFlags returns a sorted, de-duplicated copy.
func NormalizeFlags(flags []string) []string {
	seen := make(map[string]struct{}, len(flags))
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ApplyFlagChange returns flags with add/remove applied.
func ApplyFlagChange(flags, add, remove []string) []string {
	set := make(map[string]struct{}, len(flags)+len(add))
	for _, f := range flags {
		set[f] = struct{}{}
	}
	for _, f := range add {
		set[f] = struct{}{}
	}
	for _, f := range remove {
		delete(set, f)
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return NormalizeFlags(out)
}

// FlagDiff returns the flags that differ between a and b.
func FlagDiff(a, b []string) map[string]struct{} {
	in := func(set []string, f string) bool {
		for _, s := range set {
			if s == f {
				return true
			}
		}
		return false
	}
	diff := make(map[string]struct{})
	for _, f := range a {
		if !in(b, f) {
			diff[f] = struct{}{}
		}
	}
	for _, f := range b {
		if !in(a, f) {
			diff[f] = struct{}{}
		}
	}
	return diff
}

// MessageSummary is the metadata the engine carries for a message. Bodies are
// never part of a delta.
type MessageSummary struct {
	MessageID string    `json:"message_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	From      string    `json:"from,omitempty"`
	Date      time.Time `json:"date,omitempty"`
	Size      int64     `json:"size,omitempty"`
}

// ChangeKind describes what happened to a remote item.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeFlags
	ChangeRemoved
	ChangeMoved
)

func (c ChangeKind) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeFlags:
		return "flags"
	case ChangeRemoved:
		return "removed"
	case ChangeMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// RemoteItem is one entry of a RemoteDelta.
type RemoteItem struct {
	Change   ChangeKind     `json:"change"`
	RemoteID string         `json:"remote_id"`
	Summary  MessageSummary `json:"summary"`
	Flags    []string       `json:"flags,omitempty"`
	// NewRemoteID and ToFolderID are set for ChangeMoved.
	NewRemoteID string `json:"new_remote_id,omitempty"`
	ToFolderID  string `json:"to_folder_id,omitempty"`
	// ChangedAt is the server-reported time of the change; zero when the
	// protocol does not report one.
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// RemoteDelta is what changed in a folder since a cursor. Full is set when
// the handler returned a complete snapshot.
type RemoteDelta struct {
	Folder Folder
	Items  []RemoteItem
	Full   bool
}

// Touches returns the item for remoteID, if any.
func (d *RemoteDelta) Touches(remoteID string) (RemoteItem, bool) {
	if d == nil {
		return RemoteItem{}, false
	}
	for _, it := range d.Items {
		if it.RemoteID == remoteID {
			return it, true
		}
	}
	return RemoteItem{}, false
}
