package fingerprint

import (
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

// 设备指纹强化: 客户端指纹经 Argon2id 单向派生后落库,
// 盐固定以保证同一指纹可检索 (查重是目的, 不是口令存储)

var pepper = []byte("planet-fingerprint-v1")

const (
	timeCost   = 1
	memoryCost = 16 * 1024
	threads    = 2
	keyLen     = 32
)

// Hash 派生指纹查重键
func Hash(raw string) string {
	key := argon2.IDKey([]byte(raw), pepper, timeCost, memoryCost, threads, keyLen)
	return hex.EncodeToString(key)
}
