package core

import (
	"hash/fnv"
	"strings"
)

// Reserved stream names. AllStream is a synthetic read-only projection of the
// whole log; SettingsStream carries the system-wide default ACLs.
const (
	AllStream      = "$all"
	SettingsStream = "$settings"

	metaStreamPrefix = "$$"
)

// Reserved event types of system-written events.
const (
	EventTypeStreamMetadata = "$metadata"
	EventTypeStreamDeleted  = "$streamDeleted"
	EventTypeSettings       = "$settings"
)

// Well-known role names used in ACLs.
const (
	RoleAll    = "$all"
	RoleAdmins = "$admins"
)

// StreamID is the name of an event stream.
type StreamID string

// IsMeta reports whether s is a metastream (the reserved sub-stream that
// stores another stream's metadata).
func (s StreamID) IsMeta() bool {
	return strings.HasPrefix(string(s), metaStreamPrefix)
}

// IsSystem reports whether s is a system stream ("$"-prefixed).
func (s StreamID) IsSystem() bool {
	return strings.HasPrefix(string(s), "$")
}

// MetaStream returns the metastream that owns s's metadata.
func (s StreamID) MetaStream() StreamID {
	return StreamID(metaStreamPrefix + string(s))
}

// OriginalStream returns the stream a metastream belongs to. For a
// non-metastream it returns s unchanged.
func (s StreamID) OriginalStream() StreamID {
	if !s.IsMeta() {
		return s
	}
	return StreamID(strings.TrimPrefix(string(s), metaStreamPrefix))
}

// StreamHash is the fixed-width hash of a stream name used as the key of the
// secondary index. Two different streams may hash to the same value; every
// lookup by hash must verify the candidate record's literal stream id.
type StreamHash uint64

// StreamHasher converts stream names to index keys. It is injectable so tests
// can force collisions.
type StreamHasher interface {
	Hash(stream StreamID) StreamHash
}

// FNVHasher is the default StreamHasher, FNV-1a over the stream name.
type FNVHasher struct{}

func (FNVHasher) Hash(stream StreamID) StreamHash {
	h := fnv.New64a()
	h.Write([]byte(stream))
	return StreamHash(h.Sum64())
}
