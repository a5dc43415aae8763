package proofs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Leaf 计算单个叶子的哈希，字段之间以 0 字节分隔。
func Leaf(fields ...string) common.Hash {
	data := make([][]byte, 0, len(fields)*2)
	for i, f := range fields {
		if i > 0 {
			data = append(data, []byte{0})
		}
		data = append(data, []byte(f))
	}
	return crypto.Keccak256Hash(data...)
}

// MerkleRoot 计算二叉 Merkle 根，奇数层的最后一个节点与自身配对。
// 空集合返回零哈希。
func MerkleRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, crypto.Keccak256Hash(left.Bytes(), right.Bytes()))
		}
		level = next
	}
	return level[0]
}
