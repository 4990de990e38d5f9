package buffer

import "sort"

// prefixSum 每行长度的前缀和，修改后懒惰地重算失效部分
type prefixSum struct {
	values []int
	sums   []int // sums[i] = values[0] + ... + values[i]
	valid  int   // sums[0..valid) 有效
}

func newPrefixSum(values []int) *prefixSum {
	p := &prefixSum{values: values, sums: make([]int, len(values))}
	return p
}

func (p *prefixSum) Len() int { return len(p.values) }

func (p *prefixSum) Value(i int) int { return p.values[i] }

func (p *prefixSum) invalidate(i int) {
	if i < p.valid {
		p.valid = i
	}
}

func (p *prefixSum) ensure(i int) {
	for ; p.valid <= i && p.valid < len(p.values); p.valid++ {
		prev := 0
		if p.valid > 0 {
			prev = p.sums[p.valid-1]
		}
		p.sums[p.valid] = prev + p.values[p.valid]
	}
}

func (p *prefixSum) Set(i, v int) {
	if p.values[i] == v {
		return
	}
	p.values[i] = v
	p.invalidate(i)
}

// Splice 把 [i, i+remove) 替换成 vals
func (p *prefixSum) Splice(i, remove int, vals []int) {
	tail := append([]int(nil), p.values[i+remove:]...)
	p.values = append(append(p.values[:i], vals...), tail...)
	if cap(p.sums) >= len(p.values) {
		p.sums = p.sums[:len(p.values)]
	} else {
		sums := make([]int, len(p.values))
		copy(sums, p.sums[:min(p.valid, len(sums))])
		p.sums = sums
	}
	p.invalidate(i)
}

func (p *prefixSum) Total() int {
	if len(p.values) == 0 {
		return 0
	}
	p.ensure(len(p.values) - 1)
	return p.sums[len(p.values)-1]
}

// Start 第 i 项之前所有项的和
func (p *prefixSum) Start(i int) int {
	if i <= 0 {
		return 0
	}
	p.ensure(i - 1)
	return p.sums[i-1]
}

// IndexOf 返回 offset 落在哪一项以及项内偏移
// 恰好落在边界上时属于后一项；offset >= Total 时落在最后一项的末尾
func (p *prefixSum) IndexOf(offset int) (int, int) {
	n := len(p.values)
	if n == 0 {
		return 0, 0
	}
	p.ensure(n - 1)
	i := sort.Search(n, func(k int) bool { return p.sums[k] > offset })
	if i == n {
		i = n - 1
	}
	return i, offset - p.Start(i)
}
