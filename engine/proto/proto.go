package proto

// Service types published in the directory
const (
	SRVTYPE_AGENT   = "agent"
	SRVTYPE_LOGIC   = "logic"
	SRVTYPE_MONITOR = "monitor"
	SRVTYPE_CHAT    = "chat"
)

// Server-to-server opcodes. Role ops address logic services except for the
// persistence ops (create/load/unload/flush/list) which address monitors.
const (
	OP_ROLE_LOGIN      = "*role/login"
	OP_ROLE_LOGOUT     = "*role/logout"
	OP_ROLE_DISCONNECT = "*role/disconnect"
	OP_ROLE_RECONNECT  = "*role/reconnect"
	OP_ROLE_CLIENT_REQ = "*role/on_client_request"

	OP_ROLE_LIST   = "*role/list"
	OP_ROLE_CREATE = "*role/create"
	OP_ROLE_LOAD   = "*role/load"
	OP_ROLE_UNLOAD = "*role/unload"
	OP_ROLE_FLUSH  = "*role/flush"

	OP_USER_KICK         = "*user/kick"
	OP_USER_CHECK_ROLES  = "*user/check_roles"
	OP_USER_PUSH_MESSAGE = "*user/push_message"
	OP_USER_RELOAD_RELAY = "*user/reload_relay_conf"
	OP_USER_BAN_SET      = "*user/ban/set"
	OP_USER_BAN_LIFT     = "*user/ban/lift"

	OP_NICKNAME_ACQUIRE = "*nickname/acquire"
	OP_NICKNAME_RELEASE = "*nickname/release"

	OP_CHAT_CHECK_THREADS = "*chat/check_threads"
	OP_CHAT_SAVE_MESSAGE  = "*chat/save_message"

	OP_VCLOCK_SET_OFFSET = "*virtual_clock/set_offset"
)

// Client frame keys and opcodes. Client requests start with '+',
// server pushes start with '='.
const (
	CLIENT_KEY_OPCODE = "%opcode"
	CLIENT_KEY_SERIAL = "%serial"

	COP_ROLE_CREATE = "+role/create"
	COP_ROLE_LOGIN  = "+role/login"
	COP_ROLE_LOGOUT = "+role/logout"
	COP_HEARTBEAT   = "+heartbeat"

	PUSH_ROLE_LIST = "=role/list"
	PUSH_PING      = "=ping"
	PUSH_CLOSED    = "=closed"
)

// Server-to-server statuses
const (
	GS_OK                     = "gs_ok"
	GS_ROLE_NOT_LOADED        = "gs_role_not_loaded"
	GS_ROLE_NOT_LOGGED_IN     = "gs_role_not_logged_in"
	GS_RECONNECT_NOOP         = "gs_reconnect_noop"
	GS_ROID_CONFLICT          = "gs_roid_conflict"
	GS_ROID_NOT_FOUND         = "gs_roid_not_found"
	GS_ROLE_FOREIGN           = "gs_role_foreign"
	GS_NICKNAME_CONFLICT      = "gs_nickname_conflict"
	GS_NICKNAME_NOT_FOUND     = "gs_nickname_not_found"
	GS_USER_NOT_FOUND         = "gs_user_not_found"
	GS_USER_NOT_ONLINE        = "gs_user_not_online"
	GS_ROLE_HANDLER_NOT_FOUND = "gs_role_handler_not_found"
	GS_ROLE_HANDLER_EXCEPT    = "gs_role_handler_except"
)

// Client-facing statuses
const (
	SC_OK                    = "sc_ok"
	SC_ROLE_SELECTED         = "sc_role_selected"
	SC_ROLE_UNAVAILABLE      = "sc_role_unavailable"
	SC_NO_ROLE_SELECTED      = "sc_no_role_selected"
	SC_TOO_MANY_ROLES        = "sc_too_many_roles"
	SC_NICKNAME_INVALID      = "sc_nickname_invalid"
	SC_NICKNAME_LENGTH_ERROR = "sc_nickname_length_error"
	SC_NICKNAME_CONFLICT     = "sc_nickname_conflict"
	SC_OPCODE_DENIED         = "sc_opcode_denied"
)

// Client close statuses
const (
	CLOSE_AUTH_FAILED      = 4001
	CLOSE_BANNED           = 4002
	CLOSE_LOGIN_CONFLICT   = 4003
	CLOSE_RATE_LIMITED     = 4004
	CLOSE_PING_TIMEOUT     = 4005
	CLOSE_UNKNOWN_OPCODE   = 4006
	CLOSE_UNEXPECTED_ERROR = 4007
	CLOSE_TRY_AGAIN_LATER  = 4008
)
