// Package conflict decides what happens when a pending local operation and a
// remote change touch the same message.
package conflict

import (
	"github.com/Martian-dev/mailsync/internal/model"
)

// Outcome is the coarse result of a resolution.
type Outcome int

const (
	// ApplyRemote keeps the remote state; the local op becomes a no-op.
	ApplyRemote Outcome = iota
	// ApplyLocal sends the local op to the server.
	ApplyLocal
	// Conflict cannot be decided automatically.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case ApplyRemote:
		return "apply_remote"
	case ApplyLocal:
		return "apply_local"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is what the orchestrator should do with an overlapping op.
type Decision struct {
	Outcome    Outcome
	Resolution model.Resolution
	// Retarget is set when the op must follow the message to a new location
	// before it is applied.
	Retarget *model.MessageRef
	// MergeItem is the remote item to merge into the local store. Nil means
	// the remote item is not merged.
	MergeItem *model.RemoteItem
	Record    model.ConflictRecord
}

// ApplyLocal reports whether the local op should be sent to the server.
func (d Decision) ApplyLocal() bool {
	return d.Outcome == ApplyLocal
}

// Resolve decides between a local view and a remote item that touch the same
// message. It is deterministic and has no side effects; Record.DetectedAt is
// left for the caller to set.
func Resolve(local model.LocalView, remote model.RemoteItem) Decision {
	op := local.Op
	var d Decision
	switch op.Kind {
	case model.OpFlags:
		d = resolveFlags(local, remote)
	case model.OpDelete:
		d = resolveDelete(remote)
	case model.OpMove:
		d = resolveMove(op, remote)
	default:
		// Send and append create new messages and cannot race an existing one.
		d = Decision{Outcome: ApplyLocal, Resolution: model.ResolutionLocalWins, MergeItem: itemPtr(remote)}
	}

	d.Record = model.ConflictRecord{
		AccountID:   op.AccountID,
		FolderID:    op.FolderID,
		RemoteID:    remote.RemoteID,
		OperationID: op.ID,
		LocalKind:   op.Kind,
		LocalAt:     op.CreatedAt,
		Remote:      remote,
		Resolution:  d.Resolution,
	}
	return d
}

func resolveFlags(local model.LocalView, remote model.RemoteItem) Decision {
	op := local.Op
	switch remote.Change {
	case model.ChangeRemoved:
		return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionDeleteWins, MergeItem: itemPtr(remote)}
	case model.ChangeMoved:
		merged := remote
		merged.Flags = model.ApplyFlagChange(remote.Flags, op.Payload.Add, op.Payload.Remove)
		return Decision{
			Outcome:    ApplyLocal,
			Resolution: model.ResolutionMerge,
			Retarget:   &model.MessageRef{FolderID: remote.ToFolderID, RemoteID: remote.NewRemoteID},
			MergeItem:  &merged,
		}
	}

	disagree := disagreeing(op.Payload, remote.Flags)
	if len(disagree) == 0 {
		return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionNoOp, MergeItem: itemPtr(remote)}
	}

	merged := remote
	merged.Flags = model.ApplyFlagChange(remote.Flags, op.Payload.Add, op.Payload.Remove)

	// Flags the server changed since the last sync. Without a base every
	// disagreeing flag counts as changed remotely.
	if local.BaseFlags != nil {
		changed := model.FlagDiff(local.BaseFlags, remote.Flags)
		overlap := false
		for f := range disagree {
			if _, ok := changed[f]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			return Decision{Outcome: ApplyLocal, Resolution: model.ResolutionMerge, MergeItem: &merged}
		}
	}

	if localIsNewer(local, remote) {
		return Decision{Outcome: ApplyLocal, Resolution: model.ResolutionLocalWins, MergeItem: &merged}
	}
	return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionRemoteWins, MergeItem: itemPtr(remote)}
}

func resolveDelete(remote model.RemoteItem) Decision {
	removed := &model.RemoteItem{Change: model.ChangeRemoved, RemoteID: remote.RemoteID, ChangedAt: remote.ChangedAt}
	switch remote.Change {
	case model.ChangeRemoved:
		return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionNoOp, MergeItem: removed}
	case model.ChangeMoved:
		return Decision{
			Outcome:    ApplyLocal,
			Resolution: model.ResolutionDeleteWins,
			Retarget:   &model.MessageRef{FolderID: remote.ToFolderID, RemoteID: remote.NewRemoteID},
			MergeItem:  removed,
		}
	default:
		return Decision{Outcome: ApplyLocal, Resolution: model.ResolutionDeleteWins, MergeItem: removed}
	}
}

func resolveMove(op model.Operation, remote model.RemoteItem) Decision {
	switch remote.Change {
	case model.ChangeRemoved:
		return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionDeleteWins, MergeItem: itemPtr(remote)}
	case model.ChangeMoved:
		if remote.ToFolderID == op.Payload.ToFolderID {
			return Decision{Outcome: ApplyRemote, Resolution: model.ResolutionNoOp, MergeItem: itemPtr(remote)}
		}
		return Decision{Outcome: Conflict, Resolution: model.ResolutionUnresolved, MergeItem: itemPtr(remote)}
	default:
		// The message already left this folder locally; its flags arrive with
		// the destination folder's next cycle.
		return Decision{Outcome: ApplyLocal, Resolution: model.ResolutionMerge}
	}
}

// disagreeing returns the flags whose remote value differs from the value the
// op wants.
func disagreeing(p model.Payload, remote []string) map[string]struct{} {
	has := make(map[string]bool, len(remote))
	for _, f := range remote {
		has[f] = true
	}
	out := make(map[string]struct{})
	for _, f := range p.Add {
		if !has[f] {
			out[f] = struct{}{}
		}
	}
	for _, f := range p.Remove {
		if has[f] {
			out[f] = struct{}{}
		}
	}
	return out
}

// localIsNewer is last-writer-wins. Without a reliable local clock or a
// server timestamp the remote side wins.
func localIsNewer(local model.LocalView, remote model.RemoteItem) bool {
	if !local.TimestampReliable || remote.ChangedAt.IsZero() {
		return false
	}
	return local.Op.CreatedAt.After(remote.ChangedAt)
}

func itemPtr(it model.RemoteItem) *model.RemoteItem {
	return &it
}
