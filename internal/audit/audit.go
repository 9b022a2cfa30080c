package audit

import (
	"context"

	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

// Audit actions for the relay.
const (
	ActionConnect       = "relay.connect"
	ActionDisconnect    = "relay.disconnect"
	ActionJoinRoom      = "relay.join_room"
	ActionLeaveRoom     = "relay.leave_room"
	ActionReap          = "relay.heartbeat_reap"
	ActionTestBroadcast = "relay.test_broadcast"
	ActionTokenExchange = "relay.token_exchange"
	ActionTokenFailed   = "relay.token_exchange_failed"
)

// Field constants for audit entries.
const (
	FieldAction = "audit_action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, connID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldConnID, connID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, connID, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldConnID, connID).
		Str(FieldDetail, detail).
		Msg(msg)
}
