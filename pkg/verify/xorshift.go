package verify

import "math"

// Xorshift128Plus 确定性伪随机数发生器.
// 与计算节点端实现逐位一致, 信号任务的噪声注入依赖同一序列,
// 状态与移位运算严格按 32 位有符号整数语义执行
type Xorshift128Plus struct {
	s0 int32
	s1 int32
}

// toInt32 按 ECMAScript ToInt32 规则收缩浮点数
func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	t := math.Trunc(f)
	m := math.Mod(t, 4294967296)
	if m < 0 {
		m += 4294967296
	}
	return int32(uint32(m))
}

// NewXorshift128Plus 从字符串种子构造发生器并预热 20 轮
func NewXorshift128Plus(seed string) *Xorshift128Plus {
	var h int32
	for _, c := range []byte(seed) {
		h = (h << 5) - h + int32(c)
	}
	g := &Xorshift128Plus{
		s0: int32(uint32(h) ^ 0xdeadbeef),
		// 乘法在 float64 域内进行后收缩, 保持与节点端一致
		s1: toInt32(float64(h)*0x41c64e6d + 0x3039),
	}
	for i := 0; i < 20; i++ {
		g.Next()
	}
	return g
}

// Next 返回 [0, 1) 区间内的下一个随机数
func (g *Xorshift128Plus) Next() float64 {
	s1 := g.s0
	s0 := g.s1
	g.s0 = s0
	s1 ^= s1 << 23
	s1 ^= int32(uint32(s1) >> 17)
	s1 ^= s0
	s1 ^= int32(uint32(s0) >> 26)
	g.s1 = s1
	return float64(uint32(g.s0)+uint32(g.s1)) / 4294967296
}
