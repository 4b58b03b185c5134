package gateway

import "time"

const (
	pingPeriod = 15 * time.Second
	writeWait  = 5 * time.Second
	bufSize    = 256
	readLimit  = 4 << 10 // 4KB, clients only send small control frames
	hubQueue   = 256
	drainPoll  = 20 * time.Millisecond
)

// Frame types the gateway emits besides registry event kinds.
const (
	frameMembers = "members"
	framePong    = "pong"
	frameError   = "error"
)

// Message types clients may send.
const (
	msgMembers = "members"
	msgPing    = "ping"
)
