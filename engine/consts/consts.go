package consts

import "time"

// Tunable Options
const (
	// For Service Directory
	// SERVICE_PUBLISH_TTL is the lifetime of a published service record
	SERVICE_PUBLISH_TTL = time.Second * 10
	// SERVICE_PUBLISH_INTERVAL is the republish interval, well below the record TTL
	SERVICE_PUBLISH_INTERVAL = SERVICE_PUBLISH_TTL / 4
	// SERVICE_DISCOVER_INTERVAL is the steady-state full rescan interval
	SERVICE_DISCOVER_INTERVAL = time.Second * 30
	// SERVICE_DISCOVER_BOOST_TIME is the period after startup when discovery runs on every publish
	SERVICE_DISCOVER_BOOST_TIME = time.Second * 60

	// For RPC
	// RPC_AUTH_TIME_TOLERANCE is the allowed clock skew for peer authentication
	RPC_AUTH_TIME_TOLERANCE = time.Second * 60

	// For KVDB & Storage
	// KVDB_OP_QUEUE_MAXLEN is the warning threshold of pending kvdb operations
	KVDB_OP_QUEUE_MAXLEN = 1000
	// STORAGE_OP_QUEUE_MAXLEN is the warning threshold of pending storage operations
	STORAGE_OP_QUEUE_MAXLEN = 1000
	// ASYNC_JOB_QUEUE_MAXLEN is the buffer size of each async job group
	ASYNC_JOB_QUEUE_MAXLEN = 1000

	// For Incremental Persistence
	// SAVE_BUCKET_COUNT is the number of rotating save buckets
	SAVE_BUCKET_COUNT = 20
	// SAVE_BUCKET_CAPACITY is the per-bucket id limit before split
	SAVE_BUCKET_CAPACITY = 255

	// For Agent Sessions
	// AGENT_PING_INTERVAL is the probe period of the session ping timer
	AGENT_PING_INTERVAL = time.Second * 7
	// AGENT_CHECK_USER_INTERVAL is the user snapshot republish period
	AGENT_CHECK_USER_INTERVAL = time.Minute * 2

	// For Timers
	// TICK_INTERVAL is the tick interval for timer resolution
	TICK_INTERVAL = time.Millisecond * 100
)

// Debug Options
const (
	DEBUG_MODE = false
	// OPMON_DUMP_INTERVAL is the interval of dumping operation stats, 0 to disable
	OPMON_DUMP_INTERVAL = time.Duration(0)
)
