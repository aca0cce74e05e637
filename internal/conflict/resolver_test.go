package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

var (
	t1 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(5 * time.Minute)
)

func flagsOp(add, remove []string, at time.Time) model.Operation {
	return model.Operation{
		ID:        7,
		AccountID: "acct",
		FolderID:  "INBOX",
		TargetRef: "42",
		Kind:      model.OpFlags,
		Payload:   model.Payload{Add: add, Remove: remove},
		CreatedAt: at,
	}
}

func TestResolveFlagsRemoteNewerWins(t *testing.T) {
	local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, nil, t1), TimestampReliable: true}
	remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", ChangedAt: t2}

	d := Resolve(local, remote)

	assert.Equal(t, ApplyRemote, d.Outcome)
	assert.Equal(t, model.ResolutionRemoteWins, d.Resolution)
	assert.False(t, d.ApplyLocal())
	require.NotNil(t, d.MergeItem)
	assert.Empty(t, d.MergeItem.Flags)
	assert.Equal(t, int64(7), d.Record.OperationID)
	assert.Equal(t, model.ResolutionRemoteWins, d.Record.Resolution)
}

func TestResolveFlagsLocalNewerWins(t *testing.T) {
	local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, nil, t2), TimestampReliable: true}
	remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagFlagged}, ChangedAt: t1}

	d := Resolve(local, remote)

	assert.Equal(t, ApplyLocal, d.Outcome)
	assert.Equal(t, model.ResolutionLocalWins, d.Resolution)
	require.NotNil(t, d.MergeItem)
	assert.Equal(t, []string{model.FlagFlagged, model.FlagSeen}, d.MergeItem.Flags)
}

func TestResolveFlagsDefaultsToRemote(t *testing.T) {
	tests := []struct {
		name     string
		reliable bool
		changed  time.Time
	}{
		{name: "unreliable local clock", reliable: false, changed: t1},
		{name: "no remote timestamp", reliable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, nil, t2), TimestampReliable: tt.reliable}
			remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", ChangedAt: tt.changed}

			d := Resolve(local, remote)
			assert.Equal(t, model.ResolutionRemoteWins, d.Resolution)
		})
	}
}

func TestResolveFlagsConverged(t *testing.T) {
	local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, []string{model.FlagFlagged}, t1)}
	remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagSeen}}

	d := Resolve(local, remote)

	assert.Equal(t, ApplyRemote, d.Outcome)
	assert.Equal(t, model.ResolutionNoOp, d.Resolution)
}

func TestResolveFlagsDisjointMerge(t *testing.T) {
	// The server flagged the message; locally it was marked read.
	local := model.LocalView{
		Op:        flagsOp([]string{model.FlagSeen}, nil, t1),
		BaseFlags: []string{},
	}
	remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagFlagged}, ChangedAt: t2}

	d := Resolve(local, remote)

	assert.Equal(t, ApplyLocal, d.Outcome)
	assert.Equal(t, model.ResolutionMerge, d.Resolution)
	require.NotNil(t, d.MergeItem)
	assert.Equal(t, []string{model.FlagFlagged, model.FlagSeen}, d.MergeItem.Flags)
}

func TestResolveFlagsAgainstRemovedAndMoved(t *testing.T) {
	local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, nil, t1)}

	d := Resolve(local, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: "42"})
	assert.Equal(t, ApplyRemote, d.Outcome)
	assert.Equal(t, model.ResolutionDeleteWins, d.Resolution)

	d = Resolve(local, model.RemoteItem{Change: model.ChangeMoved, RemoteID: "42", NewRemoteID: "9", ToFolderID: "Archive"})
	assert.Equal(t, ApplyLocal, d.Outcome)
	assert.Equal(t, model.ResolutionMerge, d.Resolution)
	require.NotNil(t, d.Retarget)
	assert.Equal(t, model.MessageRef{FolderID: "Archive", RemoteID: "9"}, *d.Retarget)
	assert.Equal(t, []string{model.FlagSeen}, d.MergeItem.Flags)
}

func TestResolveDelete(t *testing.T) {
	op := model.Operation{ID: 3, AccountID: "acct", FolderID: "INBOX", TargetRef: "42", Kind: model.OpDelete, CreatedAt: t1}

	tests := []struct {
		name       string
		remote     model.RemoteItem
		outcome    Outcome
		resolution model.Resolution
		retarget   *model.MessageRef
	}{
		{
			name:       "flag change",
			remote:     model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagSeen}, ChangedAt: t2},
			outcome:    ApplyLocal,
			resolution: model.ResolutionDeleteWins,
		},
		{
			name:       "move",
			remote:     model.RemoteItem{Change: model.ChangeMoved, RemoteID: "42", NewRemoteID: "77", ToFolderID: "Archive"},
			outcome:    ApplyLocal,
			resolution: model.ResolutionDeleteWins,
			retarget:   &model.MessageRef{FolderID: "Archive", RemoteID: "77"},
		},
		{
			name:       "already removed",
			remote:     model.RemoteItem{Change: model.ChangeRemoved, RemoteID: "42"},
			outcome:    ApplyRemote,
			resolution: model.ResolutionNoOp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(model.LocalView{Op: op}, tt.remote)
			assert.Equal(t, tt.outcome, d.Outcome)
			assert.Equal(t, tt.resolution, d.Resolution)
			assert.Equal(t, tt.retarget, d.Retarget)
			require.NotNil(t, d.MergeItem)
			assert.Equal(t, model.ChangeRemoved, d.MergeItem.Change)
			assert.Equal(t, "42", d.MergeItem.RemoteID)
		})
	}
}

func TestResolveMove(t *testing.T) {
	op := model.Operation{
		ID: 5, AccountID: "acct", FolderID: "INBOX", TargetRef: "42",
		Kind: model.OpMove, Payload: model.Payload{ToFolderID: "Archive"}, CreatedAt: t1,
	}
	local := model.LocalView{Op: op}

	d := Resolve(local, model.RemoteItem{Change: model.ChangeMoved, RemoteID: "42", NewRemoteID: "8", ToFolderID: "Archive"})
	assert.Equal(t, ApplyRemote, d.Outcome)
	assert.Equal(t, model.ResolutionNoOp, d.Resolution)

	d = Resolve(local, model.RemoteItem{Change: model.ChangeMoved, RemoteID: "42", NewRemoteID: "8", ToFolderID: "Trash"})
	assert.Equal(t, Conflict, d.Outcome)
	assert.True(t, d.Record.Unresolved())
	assert.False(t, d.ApplyLocal())

	d = Resolve(local, model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagSeen}})
	assert.Equal(t, ApplyLocal, d.Outcome)
	assert.Equal(t, model.ResolutionMerge, d.Resolution)
	assert.Nil(t, d.MergeItem)

	d = Resolve(local, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: "42"})
	assert.Equal(t, ApplyRemote, d.Outcome)
	assert.Equal(t, model.ResolutionDeleteWins, d.Resolution)
}

func TestResolveIsDeterministic(t *testing.T) {
	local := model.LocalView{Op: flagsOp([]string{model.FlagSeen}, []string{model.FlagFlagged}, t1), BaseFlags: []string{model.FlagFlagged}, TimestampReliable: true}
	remote := model.RemoteItem{Change: model.ChangeFlags, RemoteID: "42", Flags: []string{model.FlagAnswered}, ChangedAt: t2}

	first := Resolve(local, remote)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Resolve(local, remote))
	}
}
