package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// InstanceID 实例标识，写入事件流水。
// 优先使用环境变量 CANAUDIO_INSTANCE_ID，否则生成 canaudio-{role}-{hostname}-{uuid前8位}
func InstanceID(role string) string {
	if id := os.Getenv("CANAUDIO_INSTANCE_ID"); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("canaudio-%s-%s-%s", role, hostname, uuid.New().String()[:8])
}
