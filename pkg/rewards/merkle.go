package rewards

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"
)

// 与链上分发合约一致的默克尔树:
// 叶子 = keccak256(keccak256(abi.encode(address, claimableNow, vestingAmount, vestingDuration))),
// 双重哈希防二次原像攻击; 叶子按哈希排序, 内部节点按排序对拼接哈希

// RewardLeaf 默克尔叶子: 单钱包的链上可领取额度
type RewardLeaf struct {
	Wallet          string
	ClaimableNow    *big.Int
	VestingAmount   *big.Int
	VestingDuration *big.Int
}

// MerkleResult 建树结果: 根与每个钱包 (小写) 的证明路径
type MerkleResult struct {
	Root   string
	Proofs map[string][]string
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func parseAddress(addr string) ([]byte, error) {
	s := strings.TrimPrefix(strings.ToLower(addr), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet address %q: %w", addr, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("invalid wallet address %q: want 20 bytes, got %d", addr, len(raw))
	}
	return raw, nil
}

func padWord(b []byte) []byte {
	word := make([]byte, 32)
	copy(word[32-len(b):], b)
	return word
}

// encodeLeaf abi.encode(address, uint256, uint256, uint256)
func encodeLeaf(leaf RewardLeaf) ([]byte, error) {
	addr, err := parseAddress(leaf.Wallet)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(padWord(addr))
	buf.Write(padWord(leaf.ClaimableNow.Bytes()))
	buf.Write(padWord(leaf.VestingAmount.Bytes()))
	buf.Write(padWord(leaf.VestingDuration.Bytes()))
	return buf.Bytes(), nil
}

// LeafHash 单个叶子的双重哈希
func LeafHash(leaf RewardLeaf) ([]byte, error) {
	enc, err := encodeLeaf(leaf)
	if err != nil {
		return nil, err
	}
	return keccak256(keccak256(enc)), nil
}

func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return keccak256(a, b)
}

func hexHash(h []byte) string {
	return "0x" + hex.EncodeToString(h)
}

// BuildMerkleTree 对奖励叶子建树, 返回根与每钱包证明
func BuildMerkleTree(leaves []RewardLeaf) (*MerkleResult, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle tree requires at least one leaf")
	}

	type indexedLeaf struct {
		hash  []byte
		index int
	}
	indexed := make([]indexedLeaf, len(leaves))
	for i, leaf := range leaves {
		h, err := LeafHash(leaf)
		if err != nil {
			return nil, err
		}
		indexed[i] = indexedLeaf{hash: h, index: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		return bytes.Compare(indexed[i].hash, indexed[j].hash) < 0
	})

	layers := [][][]byte{make([][]byte, len(indexed))}
	for i, item := range indexed {
		layers[0][i] = item.hash
	}
	for len(layers[len(layers)-1]) > 1 {
		current := layers[len(layers)-1]
		next := make([][]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				// 奇数节点直接晋级
				next = append(next, current[i])
			}
		}
		layers = append(layers, next)
	}

	root := layers[len(layers)-1][0]
	proofs := make(map[string][]string, len(leaves))

	for pos, item := range indexed {
		leaf := leaves[item.index]
		proof := []string{}
		p := pos
		for layerIdx := 0; layerIdx < len(layers)-1; layerIdx++ {
			layer := layers[layerIdx]
			sibling := p + 1
			if p%2 == 1 {
				sibling = p - 1
			}
			if sibling < len(layer) {
				proof = append(proof, hexHash(layer[sibling]))
			}
			p /= 2
		}
		proofs[strings.ToLower(leaf.Wallet)] = proof
	}

	return &MerkleResult{Root: hexHash(root), Proofs: proofs}, nil
}

// VerifyProof 沿证明路径重算根并比对
func VerifyProof(root string, leaf RewardLeaf, proof []string) (bool, error) {
	h, err := LeafHash(leaf)
	if err != nil {
		return false, err
	}
	for _, sibHex := range proof {
		sib, err := hex.DecodeString(strings.TrimPrefix(sibHex, "0x"))
		if err != nil {
			return false, fmt.Errorf("invalid proof node %q: %w", sibHex, err)
		}
		h = hashPair(h, sib)
	}
	return hexHash(h) == strings.ToLower(root), nil
}

var weiPerToken = new(big.Float).SetPrec(236).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// ToWei 将代币数量换算为 18 位小数整型
func ToWei(amount float64) *big.Int {
	f := new(big.Float).SetPrec(236).SetFloat64(amount)
	f.Mul(f, weiPerToken)
	wei, _ := f.Int(nil)
	return wei
}
