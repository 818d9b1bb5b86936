package common

import (
	"github.com/google/uuid"
	"github.com/xinkaiwang/clusterbridge/libs/xklib/kcommon"
)

var (
	version     = "unknown" // set by -ldflags at build time
	sessionId   = uuid.NewString()[:8]
	startTimeMs = kcommon.GetWallTimeMs()
)

func GetVersion() string {
	return version
}

func GetSessionId() string {
	return sessionId
}

func GetStartTimeMs() int64 {
	return startTimeMs
}

// NewClusterId names a freshly created coordinator cluster.
func NewClusterId() string {
	return "cluster-" + uuid.NewString()
}

func NewWorkerId() string {
	return "worker-" + uuid.NewString()[:13]
}
