package common

const (
	// RedisChannelUserPrefsInvalidate carries user IDs whose preferences
	// changed; subscribers drop their cached copy.
	RedisChannelUserPrefsInvalidate = "user.prefs.invalidate"

	// RedisKeyUserDailySignalCount tracks dispatched signals per user per
	// session day: signal.count:<user_id>:<yyyy-mm-dd>.
	RedisKeyUserDailySignalCount = "signal.count:%d:%s"
)
