package timeline

import "wave-portal/server/internal/model"

// Merge 把 incoming 追加到 current 之后，跳过身份已出现过的记录（包括 incoming 内部的重复）。
// 纯函数：不修改入参，返回新切片；已有记录保持原有顺序，新记录按到达顺序排在最后。
func Merge(current []model.Record, incoming ...model.Record) []model.Record {
	seen := make(map[model.RecordKey]struct{}, len(current)+len(incoming))
	out, _ := mergeInto(make([]model.Record, 0, len(current)+len(incoming)), seen, current)
	out, _ = mergeInto(out, seen, incoming)
	return out
}

// mergeInto 是 Merge 的增量形式：seen 必须是 dst 的身份集合，调用后两者同步更新。
// 返回追加后的 dst 和其中新追加的记录。
func mergeInto(dst []model.Record, seen map[model.RecordKey]struct{}, incoming []model.Record) ([]model.Record, []model.Record) {
	start := len(dst)
	for _, r := range incoming {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		dst = append(dst, r)
	}
	return dst, dst[start:len(dst):len(dst)]
}

// DisplayOrder 返回按到达倒序（最新在前）的副本，和展示层的排序一致。
func DisplayOrder(records []model.Record) []model.Record {
	out := make([]model.Record, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r
	}
	return out
}
