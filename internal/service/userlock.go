package service

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const userLockStripes = 256

// userLocks 按用户 ID 哈希分段的互斥锁，保证同一用户的状态变更串行执行
type userLocks struct {
	stripes [userLockStripes]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	m := &l.stripes[xxhash.Sum64String(userID)%userLockStripes]
	m.Lock()
	return m.Unlock
}
