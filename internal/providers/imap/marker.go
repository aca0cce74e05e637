package imap

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/emersion/go-imap/v2"

	"github.com/Martian-dev/mailsync/internal/model"
)

// marker is the opaque part of an IMAP cursor.
type marker struct {
	UIDNext uint32                `json:"uidnext"`
	Flags   map[imap.UID][]string `json:"flags"`
}

func encodeMarker(m marker) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode imap marker: %w", err)
	}
	return string(data), nil
}

func decodeMarker(s string) (*marker, error) {
	var m marker
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode imap marker: %w", err)
	}
	if m.Flags == nil {
		m.Flags = make(map[imap.UID][]string)
	}
	return &m, nil
}

// diffListing turns the previous and current UID/flag listings into delta
// items, ordered by UID. It also returns the UIDs that need a summary.
func diffListing(prev *marker, current map[imap.UID][]string) ([]model.RemoteItem, []imap.UID) {
	uids := make([]imap.UID, 0, len(current))
	for uid := range current {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	var (
		items []model.RemoteItem
		added []imap.UID
	)
	for _, uid := range uids {
		flags := current[uid]
		if prev == nil {
			items = append(items, model.RemoteItem{Change: model.ChangeAdded, RemoteID: formatUID(uid), Flags: flags})
			added = append(added, uid)
			continue
		}
		old, known := prev.Flags[uid]
		switch {
		case !known:
			items = append(items, model.RemoteItem{Change: model.ChangeAdded, RemoteID: formatUID(uid), Flags: flags})
			added = append(added, uid)
		case !slices.Equal(model.NormalizeFlags(old), flags):
			items = append(items, model.RemoteItem{Change: model.ChangeFlags, RemoteID: formatUID(uid), Flags: flags})
		}
	}

	if prev != nil {
		var gone []imap.UID
		for uid := range prev.Flags {
			if _, ok := current[uid]; !ok {
				gone = append(gone, uid)
			}
		}
		sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
		for _, uid := range gone {
			items = append(items, model.RemoteItem{Change: model.ChangeRemoved, RemoteID: formatUID(uid)})
		}
	}
	return items, added
}

// flagStrings drops the session-only \Recent flag and normalizes the rest.
func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if string(f) == `\Recent` {
			continue
		}
		out = append(out, string(f))
	}
	return model.NormalizeFlags(out)
}

func toFlags(flags []string) []imap.Flag {
	out := make([]imap.Flag, len(flags))
	for i, f := range flags {
		out[i] = imap.Flag(f)
	}
	return out
}

func parseUID(ref string) (imap.UID, error) {
	n, err := strconv.ParseUint(ref, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid uid %q", ref)
	}
	return imap.UID(n), nil
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}
