package delta

import "sort"

// span 中间态（previous 之后、current 之前）坐标下的一个区间
type span struct {
	start, end int
	prev       bool
	idx        int
}

// Compress 把先后两批改动合成一批等价改动：
// 对 S0 应用结果 == 先应用 previous 再应用 current
// 结果按位置升序，互不重叠也不相接，新旧文本相同的改动被丢弃
func Compress(previous, current []TextChange) []TextChange {
	if len(previous) == 0 {
		return dropNoops(current)
	}
	if len(current) == 0 {
		return dropNoops(previous)
	}

	spans := make([]span, 0, len(previous)+len(current))
	for i, p := range previous {
		spans = append(spans, span{start: p.NewPosition, end: p.NewEnd(), prev: true, idx: i})
	}
	for i, c := range current {
		spans = append(spans, span{start: c.OldPosition, end: c.OldEnd(), idx: i})
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	out := make([]TextChange, 0, len(spans))
	// 簇之前 previous / current 的累计长度变化
	prevShift, currShift := 0, 0
	for i := 0; i < len(spans); {
		lo, hi := spans[i].start, spans[i].end
		j := i + 1
		for j < len(spans) && spans[j].start <= hi {
			if spans[j].end > hi {
				hi = spans[j].end
			}
			j++
		}
		cluster := spans[i:j]
		out = append(out, mergeCluster(cluster, lo, hi, prevShift, currShift, previous, current))
		for _, s := range cluster {
			if s.prev {
				prevShift += previous[s.idx].Delta()
			} else {
				currShift += current[s.idx].Delta()
			}
		}
		i = j
	}
	return dropNoops(out)
}

// mergeCluster 一个簇覆盖中间态的 [lo, hi)，先还原这段中间文本，
// 再分别倒推出 S0 上的旧文本、推导出 S2 上的新文本
func mergeCluster(cluster []span, lo, hi, prevShift, currShift int, previous, current []TextChange) TextChange {
	mid := make([]rune, hi-lo)
	for _, s := range cluster {
		if !s.prev {
			c := current[s.idx]
			copy(mid[c.OldPosition-lo:], []rune(c.OldText))
		}
	}
	// previous 的新文本是中间态里真实存在的内容，以它为准
	for _, s := range cluster {
		if s.prev {
			p := previous[s.idx]
			copy(mid[p.NewPosition-lo:], []rune(p.NewText))
		}
	}

	var oldText, newText []rune
	cur := lo
	for _, s := range cluster {
		if !s.prev {
			continue
		}
		p := previous[s.idx]
		oldText = append(oldText, mid[cur-lo:p.NewPosition-lo]...)
		oldText = append(oldText, []rune(p.OldText)...)
		cur = p.NewEnd()
	}
	oldText = append(oldText, mid[cur-lo:]...)

	cur = lo
	for _, s := range cluster {
		if s.prev {
			continue
		}
		c := current[s.idx]
		newText = append(newText, mid[cur-lo:c.OldPosition-lo]...)
		newText = append(newText, []rune(c.NewText)...)
		cur = c.OldEnd()
	}
	newText = append(newText, mid[cur-lo:]...)

	return TextChange{
		OldPosition: lo - prevShift,
		OldLength:   len(oldText),
		OldText:     string(oldText),
		NewPosition: lo + currShift,
		NewLength:   len(newText),
		NewText:     string(newText),
	}
}

func dropNoops(batch []TextChange) []TextChange {
	out := make([]TextChange, 0, len(batch))
	for _, c := range batch {
		if c.IsNoop() {
			continue
		}
		out = append(out, c)
	}
	return out
}
