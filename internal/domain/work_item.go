package domain

// WeightedItem 是参与均衡分组的一个文档：权重即字节大小。
//
// 不变量：
// - Size 测量后不可变
// - Size <= 0 或探测失败的文档不是“有效”文档，分组前必须剔除
type WeightedItem struct {
	Path  string
	Size  int64
	Pages int

	// Order 是枚举顺序，用于排序时的确定性平局裁决。
	Order int
}

// Bucket 是一组将被合并为同一个输出文件的文档。
// Items 的顺序即分配顺序（合并时按此顺序拼接）。
type Bucket struct {
	Index  int
	Items  []WeightedItem
	Weight int64
}

// Paths 按分配顺序返回桶内文档路径。
func (b Bucket) Paths() []string {
	out := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.Path)
	}
	return out
}
