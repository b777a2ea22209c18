package cnst

// TransportKind identifies the entry point a connection arrived on.
type TransportKind string

const (
	TransportPublic   TransportKind = "ws-public"
	TransportInternal TransportKind = "ws-internal"
	TransportUnix     TransportKind = "unix"
)

func (t TransportKind) String() string {
	return string(t)
}

// Trusted reports whether the transport implies system-level trust.
func (t TransportKind) Trusted() bool {
	return t == TransportUnix || t == TransportInternal
}

// Wire message kinds.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNosub     = "nosub"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
)

// Identity of implicitly authenticated internal connections.
const SystemIdentity = "system"

// Roles understood by the built-in plugins. Plugin namespaces add their own.
const (
	RoleFullAdmin    = "FULL_ADMIN"
	RoleReadonly     = "READONLY_ADMIN"
	RoleAccountRead  = "ACCOUNT_READ"
	RoleAccountWrite = "ACCOUNT_WRITE"
	RoleJobRead      = "JOB_READ"
	RoleJobAbort     = "JOB_ABORT"
	RolePoolScrub    = "POOL_SCRUB"
	RoleFailover     = "FAILOVER"
	RoleFileRead     = "FILESYSTEM_READ"
	RoleFileWrite    = "FILESYSTEM_WRITE"
)

// RedactedSentinel replaces secret-marked fields before any log, audit
// record, or job snapshot is serialized.
const RedactedSentinel = "********"

// Datastore table names owned by the dispatcher.
const (
	TableUsers   = "users"
	TableAPIKeys = "api_keys"
	TableAudit   = "audit"
)
