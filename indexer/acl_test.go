package indexer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/auth"
	"github.com/calderadb/caldera/core"
)

func checkAccess(t *testing.T, e *testEngine, stream core.StreamID, access core.AccessType, user *auth.User) core.AccessDecision {
	t.Helper()
	decision, err := e.reader.CheckStreamAccess(context.Background(), stream, access, user)
	require.NoError(t, err)
	return decision
}

func TestAccessDefaults(t *testing.T) {
	e := newTestEngine(t)
	admin := &auth.User{Username: "root", Roles: []string{core.RoleAdmins}}
	alice := &auth.User{Username: "alice"}

	// User streams are public by default.
	decision := checkAccess(t, e, "orders-1", core.AccessRead, nil)
	assert.True(t, decision.Granted)
	assert.True(t, decision.Public)
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessWrite, nil).Granted)
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessDelete, alice).Granted)

	// System streams are admin-only by default.
	assert.False(t, checkAccess(t, e, "$internal", core.AccessRead, nil).Granted)
	assert.False(t, checkAccess(t, e, "$internal", core.AccessRead, alice).Granted)
	decision = checkAccess(t, e, "$internal", core.AccessRead, admin)
	assert.True(t, decision.Granted)
	assert.False(t, decision.Public)

	// $all can never be written or deleted, not even by admins.
	assert.False(t, checkAccess(t, e, core.AllStream, core.AccessWrite, admin).Granted)
	assert.False(t, checkAccess(t, e, core.AllStream, core.AccessDelete, admin).Granted)
	assert.True(t, checkAccess(t, e, core.AllStream, core.AccessRead, admin).Granted)
}

func TestAccessMetastreamPromotion(t *testing.T) {
	e := newTestEngine(t)
	admin := &auth.User{Username: "root", Roles: []string{core.RoleAdmins}}
	alice := &auth.User{Username: "alice"}

	// Restrict meta-reads of orders-1 to bob.
	e.setMetadata(t, "orders-1", core.StreamMetadata{
		ACL: &core.StreamACL{MetaReadRoles: core.RoleList{"bob"}},
	})

	// Reading the metastream is a MetaRead check against the owner.
	assert.False(t, checkAccess(t, e, "$$orders-1", core.AccessRead, alice).Granted)
	assert.True(t, checkAccess(t, e, "$$orders-1", core.AccessRead, &auth.User{Username: "bob"}).Granted)
	assert.True(t, checkAccess(t, e, "$$orders-1", core.AccessRead, admin).Granted)

	// Metastreams can never be deleted or meta-addressed.
	assert.False(t, checkAccess(t, e, "$$orders-1", core.AccessDelete, admin).Granted)
	assert.False(t, checkAccess(t, e, "$$orders-1", core.AccessMetaRead, admin).Granted)
	assert.False(t, checkAccess(t, e, "$$orders-1", core.AccessMetaWrite, admin).Granted)
}

func TestAccessPerStreamACL(t *testing.T) {
	e := newTestEngine(t)
	e.setMetadata(t, "orders-1", core.StreamMetadata{
		ACL: &core.StreamACL{ReadRoles: core.RoleList{"auditors"}},
	})

	assert.False(t, checkAccess(t, e, "orders-1", core.AccessRead, nil).Granted)
	assert.False(t, checkAccess(t, e, "orders-1", core.AccessRead, &auth.User{Username: "alice"}).Granted)
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessRead,
		&auth.User{Username: "alice", Roles: []string{"auditors"}}).Granted)
	// A username is an implicit role.
	e.setMetadata(t, "orders-1", core.StreamMetadata{
		ACL: &core.StreamACL{ReadRoles: core.RoleList{"carol"}},
	})
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessRead, &auth.User{Username: "carol"}).Granted)

	// Unset access types still fall through to the defaults.
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessWrite, nil).Granted)
}

func TestSettingsCommitReplacesDefaults(t *testing.T) {
	e := newTestEngine(t)

	data, err := json.Marshal(core.SystemSettings{
		UserStreamACL: &core.StreamACL{ReadRoles: core.RoleList{"ops"}},
	})
	require.NoError(t, err)
	e.appendBatch(t, core.SettingsStream, -1, []testEvent{{id: uuid.New(), typ: core.EventTypeSettings, data: data}})

	assert.False(t, checkAccess(t, e, "orders-1", core.AccessRead, nil).Granted)
	assert.False(t, checkAccess(t, e, "orders-1", core.AccessRead, &auth.User{Username: "alice"}).Granted)
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessRead,
		&auth.User{Username: "alice", Roles: []string{"ops"}}).Granted)

	// Access types the new settings leave unset inherit the built-ins.
	decision := checkAccess(t, e, "orders-1", core.AccessWrite, nil)
	assert.True(t, decision.Granted)
	assert.True(t, decision.Public)

	// A malformed settings payload falls back to the built-in defaults.
	e.appendBatch(t, core.SettingsStream, 0, []testEvent{{id: uuid.New(), typ: core.EventTypeSettings, data: []byte("??")}})
	assert.True(t, checkAccess(t, e, "orders-1", core.AccessRead, nil).Granted)
}
