package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// RoleList is an ACL role list. The JSON form accepts either a single string
// or an array of strings; nil means "not set, inherit".
type RoleList []string

// UnmarshalJSON accepts "role" and ["role1","role2"].
func (r *RoleList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*r = RoleList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("role list must be a string or an array of strings: %w", err)
	}
	*r = RoleList(many)
	return nil
}

// MarshalJSON emits the compact single-string form for one-element lists.
func (r RoleList) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// Contains reports whether role is in the list.
func (r RoleList) Contains(role string) bool {
	for _, v := range r {
		if v == role {
			return true
		}
	}
	return false
}

// StreamACL holds the five per-access-type role lists of a stream. A nil list
// inherits from the next level of the ACL chain.
type StreamACL struct {
	ReadRoles      RoleList `json:"$r,omitempty"`
	WriteRoles     RoleList `json:"$w,omitempty"`
	DeleteRoles    RoleList `json:"$d,omitempty"`
	MetaReadRoles  RoleList `json:"$mr,omitempty"`
	MetaWriteRoles RoleList `json:"$mw,omitempty"`
}

// Roles returns the role list gating the given access type, or nil when the
// ACL does not set one.
func (a *StreamACL) Roles(access AccessType) RoleList {
	if a == nil {
		return nil
	}
	switch access {
	case AccessRead:
		return a.ReadRoles
	case AccessWrite:
		return a.WriteRoles
	case AccessDelete:
		return a.DeleteRoles
	case AccessMetaRead:
		return a.MetaReadRoles
	case AccessMetaWrite:
		return a.MetaWriteRoles
	default:
		return nil
	}
}

// StreamMetadata is the policy governing a stream's visible window and
// permissions. All fields are optional; absent fields leave the default
// behavior in force.
type StreamMetadata struct {
	// MaxCount keeps only the newest MaxCount events visible.
	MaxCount *int64
	// MaxAge hides events older than now-MaxAge at read time.
	MaxAge *time.Duration
	// TruncateBefore hides events below the given number. The
	// EventNumberDeletedStream sentinel marks the stream soft-deleted.
	TruncateBefore *int64
	// CacheControl bounds how long downstream caches may serve the stream's
	// head without revalidation.
	CacheControl *time.Duration
	// ACL is the per-stream access-control list.
	ACL *StreamACL
}

type streamMetadataJSON struct {
	MaxCount       *int64     `json:"$maxCount,omitempty"`
	MaxAgeSec      *int64     `json:"$maxAge,omitempty"`
	TruncateBefore *int64     `json:"$tb,omitempty"`
	CacheControl   *int64     `json:"$cacheControl,omitempty"`
	ACL            *StreamACL `json:"$acl,omitempty"`
}

// MarshalJSON emits the reserved "$"-prefixed field names. Durations are
// whole seconds on the wire.
func (m StreamMetadata) MarshalJSON() ([]byte, error) {
	j := streamMetadataJSON{
		MaxCount:       m.MaxCount,
		TruncateBefore: m.TruncateBefore,
		ACL:            m.ACL,
	}
	if m.MaxAge != nil {
		sec := int64(m.MaxAge.Seconds())
		j.MaxAgeSec = &sec
	}
	if m.CacheControl != nil {
		sec := int64(m.CacheControl.Seconds())
		j.CacheControl = &sec
	}
	return json.Marshal(j)
}

func (m *StreamMetadata) UnmarshalJSON(data []byte) error {
	var j streamMetadataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	m.MaxCount = j.MaxCount
	m.TruncateBefore = j.TruncateBefore
	m.ACL = j.ACL
	if j.MaxAgeSec != nil {
		d := time.Duration(*j.MaxAgeSec) * time.Second
		m.MaxAge = &d
	}
	if j.CacheControl != nil {
		d := time.Duration(*j.CacheControl) * time.Second
		m.CacheControl = &d
	}
	return nil
}

// IsSoftDeleted reports whether the metadata marks the stream soft-deleted.
func (m StreamMetadata) IsSoftDeleted() bool {
	return m.TruncateBefore != nil && *m.TruncateBefore == EventNumberDeletedStream
}

// MinVisibleNumber computes the metadata-derived minimum visible event number
// for a stream whose last event number is lastNumber.
func (m StreamMetadata) MinVisibleNumber(lastNumber int64) int64 {
	min := int64(0)
	if m.MaxCount != nil {
		if n := lastNumber - *m.MaxCount + 1; n > min {
			min = n
		}
	}
	if m.TruncateBefore != nil && !m.IsSoftDeleted() {
		if *m.TruncateBefore > min {
			min = *m.TruncateBefore
		}
	}
	return min
}

// SoftDeleted returns metadata whose TruncateBefore is the deleted sentinel,
// preserving the other fields of m.
func (m StreamMetadata) SoftDeleted() StreamMetadata {
	tb := EventNumberDeletedStream
	m.TruncateBefore = &tb
	return m
}

// SystemSettings carries the system-wide default ACLs, written to the
// $settings stream.
type SystemSettings struct {
	UserStreamACL   *StreamACL `json:"$userStreamAcl,omitempty"`
	SystemStreamACL *StreamACL `json:"$systemStreamAcl,omitempty"`
}

// DefaultSystemSettings is the hard-coded fallback used when no $settings
// record exists or the latest one cannot be parsed: user streams are public,
// system streams are admin-only.
func DefaultSystemSettings() SystemSettings {
	return SystemSettings{
		UserStreamACL: &StreamACL{
			ReadRoles:      RoleList{RoleAll},
			WriteRoles:     RoleList{RoleAll},
			DeleteRoles:    RoleList{RoleAll},
			MetaReadRoles:  RoleList{RoleAll},
			MetaWriteRoles: RoleList{RoleAll},
		},
		SystemStreamACL: &StreamACL{
			ReadRoles:      RoleList{RoleAdmins},
			WriteRoles:     RoleList{RoleAdmins},
			DeleteRoles:    RoleList{RoleAdmins},
			MetaReadRoles:  RoleList{RoleAdmins},
			MetaWriteRoles: RoleList{RoleAdmins},
		},
	}
}
