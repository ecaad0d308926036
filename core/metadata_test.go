package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64 { return &v }

func dur(d time.Duration) *time.Duration { return &d }

func TestStreamMetadata_JSONRoundtrip(t *testing.T) {
	meta := StreamMetadata{
		MaxCount:       i64(100),
		MaxAge:         dur(2 * time.Hour),
		TruncateBefore: i64(17),
		ACL: &StreamACL{
			ReadRoles:  RoleList{"ops", "dev"},
			WriteRoles: RoleList{"writer"},
		},
	}

	data, err := json.Marshal(meta)
	require.NoError(t, err)

	var got StreamMetadata
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, int64(100), *got.MaxCount)
	assert.Equal(t, 2*time.Hour, *got.MaxAge)
	assert.Equal(t, int64(17), *got.TruncateBefore)
	require.NotNil(t, got.ACL)
	assert.Equal(t, RoleList{"ops", "dev"}, got.ACL.ReadRoles)
	assert.Equal(t, RoleList{"writer"}, got.ACL.WriteRoles)
	assert.Nil(t, got.ACL.DeleteRoles, "unset role lists must stay nil to inherit")
}

func TestStreamMetadata_ReservedFieldNames(t *testing.T) {
	meta := StreamMetadata{MaxCount: i64(5), MaxAge: dur(30 * time.Second)}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$maxCount":5,"$maxAge":30}`, string(data))
}

func TestRoleList_SingleStringForm(t *testing.T) {
	var acl StreamACL
	require.NoError(t, json.Unmarshal([]byte(`{"$r":"$all","$w":["a","b"]}`), &acl))
	assert.Equal(t, RoleList{"$all"}, acl.ReadRoles)
	assert.Equal(t, RoleList{"a", "b"}, acl.WriteRoles)

	out, err := json.Marshal(acl)
	require.NoError(t, err)
	assert.JSONEq(t, `{"$r":"$all","$w":["a","b"]}`, string(out))
}

func TestStreamMetadata_MinVisibleNumber(t *testing.T) {
	tests := []struct {
		name string
		meta StreamMetadata
		last int64
		want int64
	}{
		{"empty", StreamMetadata{}, 10, 0},
		{"maxCount window", StreamMetadata{MaxCount: i64(3)}, 10, 8},
		{"maxCount larger than stream", StreamMetadata{MaxCount: i64(50)}, 10, 0},
		{"truncateBefore", StreamMetadata{TruncateBefore: i64(7)}, 10, 7},
		{"truncateBefore wins over maxCount", StreamMetadata{MaxCount: i64(10), TruncateBefore: i64(9)}, 10, 9},
		{"soft delete sentinel ignored", StreamMetadata{TruncateBefore: i64(EventNumberDeletedStream)}, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.meta.MinVisibleNumber(tt.last))
		})
	}
}

func TestStreamMetadata_SoftDelete(t *testing.T) {
	meta := StreamMetadata{MaxCount: i64(4)}
	deleted := meta.SoftDeleted()
	assert.True(t, deleted.IsSoftDeleted())
	assert.Equal(t, int64(4), *deleted.MaxCount, "soft delete must preserve other policy fields")
	assert.False(t, meta.IsSoftDeleted(), "receiver is not mutated")
}

func TestStreamID_Meta(t *testing.T) {
	s := StreamID("orders-1")
	meta := s.MetaStream()
	if meta != "$$orders-1" {
		t.Fatalf("MetaStream: got %q", meta)
	}
	if !meta.IsMeta() || s.IsMeta() {
		t.Fatalf("IsMeta misclassified: %q / %q", meta, s)
	}
	if meta.OriginalStream() != s {
		t.Fatalf("OriginalStream: got %q", meta.OriginalStream())
	}
	if !StreamID("$settings").IsSystem() {
		t.Fatal("$settings must be a system stream")
	}
}

func TestFNVHasher_Deterministic(t *testing.T) {
	h := FNVHasher{}
	if h.Hash("a") != h.Hash("a") {
		t.Fatal("hash must be deterministic")
	}
	if h.Hash("a") == h.Hash("b") {
		t.Fatal("distinct names should hash apart (fnv on short keys)")
	}
}
