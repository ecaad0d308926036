package indexer

import (
	"context"

	"github.com/calderadb/caldera/auth"
	"github.com/calderadb/caldera/core"
)

var denied = core.AccessDecision{}

// CheckStreamAccess decides whether user may perform access on streamID.
//
// Metastreams are gated by their owner's meta-permissions: a Read of "$$s"
// becomes a MetaRead check against "s", a Write becomes MetaWrite, and
// deleting or meta-addressing a metastream is never allowed. Writing or
// deleting "$all" is never allowed either. The effective role list is the
// first one set along the chain per-stream ACL, system default for the
// stream's class, built-in default.
func (r *Reader) CheckStreamAccess(ctx context.Context, streamID core.StreamID, access core.AccessType, user *auth.User) (core.AccessDecision, error) {
	ctx, span := r.b.Tracer.Start(ctx, "indexer.CheckStreamAccess")
	defer span.End()

	if streamID == "" {
		return denied, core.ErrInvalidStream
	}

	target := streamID
	if streamID.IsMeta() {
		switch access {
		case core.AccessRead:
			access = core.AccessMetaRead
		case core.AccessWrite:
			access = core.AccessMetaWrite
		default:
			return denied, nil
		}
		target = streamID.OriginalStream()
	}
	if target == core.AllStream && (access == core.AccessWrite || access == core.AccessDelete) {
		return denied, nil
	}

	meta, err := r.GetStreamMetadata(ctx, target)
	if err != nil {
		return denied, err
	}

	sys := r.state.Settings()
	builtin := core.DefaultSystemSettings()
	var defACL, builtinACL *core.StreamACL
	if target.IsSystem() {
		defACL, builtinACL = sys.SystemStreamACL, builtin.SystemStreamACL
	} else {
		defACL, builtinACL = sys.UserStreamACL, builtin.UserStreamACL
	}

	roles := meta.ACL.Roles(access)
	if roles == nil {
		roles = defACL.Roles(access)
	}
	if roles == nil {
		roles = builtinACL.Roles(access)
	}

	if roles.Contains(core.RoleAll) {
		return core.AccessDecision{Granted: true, Public: true}, nil
	}
	if user == nil {
		return denied, nil
	}
	if user.IsAdmin() {
		return core.AccessDecision{Granted: true}, nil
	}
	for _, role := range roles {
		if user.IsInRole(role) {
			return core.AccessDecision{Granted: true}, nil
		}
	}
	return denied, nil
}
