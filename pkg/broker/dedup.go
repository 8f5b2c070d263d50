package broker

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	dedupCapacity = 100000
	dedupFalseP   = 0.01
)

// dedup 已见消息 ID 的轮换布隆过滤器
//
// 总线层面的重复投递（重连重放、at-least-once 语义）在这里吸收，
// 误判率只会造成极少量消息被丢弃，符合尽力而为的投递约定。
type dedup struct {
	mu       sync.Mutex
	cur      *bloom.BloomFilter
	prev     *bloom.BloomFilter
	count    uint
	capacity uint
}

// newDedup 创建去重器
func newDedup() *dedup {
	return &dedup{
		cur:      bloom.NewWithEstimates(dedupCapacity, dedupFalseP),
		prev:     bloom.NewWithEstimates(dedupCapacity, dedupFalseP),
		capacity: dedupCapacity,
	}
}

// seen 判断消息 ID 是否已处理过，未处理则记录
func (d *dedup) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cur.TestString(id) || d.prev.TestString(id) {
		return true
	}

	d.cur.AddString(id)
	d.count++
	if d.count >= d.capacity {
		// 轮换：近期窗口降级为上个窗口，避免无限增长
		d.prev = d.cur
		d.cur = bloom.NewWithEstimates(dedupCapacity, dedupFalseP)
		d.count = 0
	}
	return false
}
