package jobs

import (
	"sort"

	"arbwatch/internal/model"
)

// ChunkListings splits ids into consecutive chunks of at most size ids.
func ChunkListings(ids []int64, size int) [][]int64 {
	if size < 1 {
		size = 1
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunk := make([]int64, end-start)
		copy(chunk, ids[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ChunkByInstrument packs the listings of tradable instruments into chunks of
// about size ids without splitting an instrument across chunks, so every
// venue of an instrument is analyzed by the same unit. Instruments offered by
// fewer than two active exchanges are left out. An instrument with more than
// size venues gets a chunk of its own.
func ChunkByInstrument(listings []model.Listing, size int) [][]int64 {
	if size < 1 {
		size = 1
	}

	type venues struct {
		ids       []int64
		exchanges map[int64]struct{}
	}
	groups := make(map[model.Instrument]*venues)
	for _, l := range listings {
		if !l.IsActive || !l.Exchange.IsActive {
			continue
		}
		key := l.Instrument()
		g, ok := groups[key]
		if !ok {
			g = &venues{exchanges: make(map[int64]struct{})}
			groups[key] = g
		}
		g.ids = append(g.ids, l.ID)
		g.exchanges[l.Exchange.ID] = struct{}{}
	}

	keys := make([]model.Instrument, 0, len(groups))
	for k, g := range groups {
		if len(g.exchanges) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var (
		chunks  [][]int64
		current []int64
	)
	for _, k := range keys {
		ids := groups[k].ids
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(current) > 0 && len(current)+len(ids) > size {
			chunks = append(chunks, current)
			current = nil
		}
		current = append(current, ids...)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// instrumentsOf returns the distinct instruments of listings in first-seen
// order.
func instrumentsOf(listings []model.Listing) []model.Instrument {
	seen := make(map[model.Instrument]struct{}, len(listings))
	out := make([]model.Instrument, 0, len(listings))
	for _, l := range listings {
		inst := l.Instrument()
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out
}
