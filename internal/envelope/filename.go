package envelope

import (
	"regexp"
	"strconv"
	"strings"
)

// HeartbeatPrefix marks a heartbeat-priority incoming file (spec §4.3).
const HeartbeatPrefix = "heartbeat_"

var retrySuffix = regexp.MustCompile(`_retry(\d+)$`)

// IsHeartbeatFile reports whether an incoming filename (without directory)
// carries the heartbeat priority marker.
func IsHeartbeatFile(name string) bool {
	return strings.HasPrefix(name, HeartbeatPrefix)
}

// RetryCount extracts the retry counter embedded in an incoming filename's
// stem, or 0 if absent.
func RetryCount(stem string) int {
	m := retrySuffix.FindStringSubmatch(stem)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// StripRetry removes any existing "_retryN" suffix, so re-adding one
// never accumulates (spec §4.8.1: "strips any previous _retryN before
// adding the new suffix").
func StripRetry(stem string) string {
	return retrySuffix.ReplaceAllString(stem, "")
}

// WithRetry appends a fresh "_retryN" suffix after stripping any prior one.
func WithRetry(stem string, n int) string {
	return StripRetry(stem) + "_retry" + strconv.Itoa(n)
}

// IncomingFilename builds the incoming/ filename for a fresh (non-retry)
// envelope: "{channel}_{messageId}.json" or "heartbeat_{messageId}.json".
func IncomingFilename(channel string, source Source, messageID string) string {
	if source == SourceHeartbeat {
		return HeartbeatPrefix + messageID + ".json"
	}
	return channel + "_" + messageID + ".json"
}

// OutgoingFilename builds the outgoing/ filename: heartbeat channel uses
// "{messageId}.json", everything else "{channel}_{messageId}_{tsUnixNano}.json".
func OutgoingFilename(channel, messageID string, tsUnixNano int64) string {
	if channel == string(SourceHeartbeat) {
		return messageID + ".json"
	}
	return channel + "_" + messageID + "_" + strconv.FormatInt(tsUnixNano, 10) + ".json"
}

// DeadLetterFilename prefixes a filename with a timestamp for dead-letter
// storage (spec §6: "filename prefixed with {ts}_").
func DeadLetterFilename(name string, tsUnixNano int64) string {
	return strconv.FormatInt(tsUnixNano, 10) + "_" + name
}
