package challenge

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// 心跳挑战缓存: 每设备一个待答挑战, 60 秒过期, 验证即消耗

// TTL 挑战有效期
const TTL = 60 * time.Second

type pending struct {
	challenge string
	issuedAt  time.Time
}

// Cache 单进程内存挑战缓存
type Cache struct {
	mu  sync.Mutex
	m   map[string]pending
	ttl time.Duration
	now func() time.Time
}

// NewCache 创建挑战缓存
func NewCache() *Cache {
	return &Cache{m: make(map[string]pending), ttl: TTL, now: time.Now}
}

// Issue 为设备签发新挑战, 覆盖旧的未答挑战
func (c *Cache) Issue(deviceID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	ch := hex.EncodeToString(raw)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[deviceID] = pending{challenge: ch, issuedAt: c.now()}
	return ch, nil
}

// Verify 校验响应 response == SHA256(challenge + deviceID).
// 挑战一经校验即消耗, 无论结果如何
func (c *Cache) Verify(deviceID, challengeStr, response string) bool {
	c.mu.Lock()
	p, ok := c.m[deviceID]
	if ok {
		delete(c.m, deviceID)
	}
	c.mu.Unlock()

	if !ok || p.challenge != challengeStr {
		return false
	}
	if c.now().Sub(p.issuedAt) > c.ttl {
		return false
	}
	return Response(challengeStr, deviceID) == response
}

// Response 计算挑战的期望响应
func Response(challengeStr, deviceID string) string {
	sum := sha256.Sum256([]byte(challengeStr + deviceID))
	return hex.EncodeToString(sum[:])
}

// Sweep 清理过期挑战
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-c.ttl)
	for k, p := range c.m {
		if p.issuedAt.Before(cutoff) {
			delete(c.m, k)
		}
	}
}
