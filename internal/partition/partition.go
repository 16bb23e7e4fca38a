package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/John-Robertt/pdftools/internal/domain"
	"github.com/John-Robertt/pdftools/internal/pool"
)

// ErrInvalidGroups 表示目标组数 < 1。
var ErrInvalidGroups = errors.New("partition: 目标组数必须 >= 1")

// Prober 探测单个文档的字节数与页数。无法解析的文档返回 size=0 或 error。
type Prober interface {
	Probe(ctx context.Context, path string) (size int64, pages int, err error)
}

// Measure 并发探测 paths，返回有效文档（按 paths 顺序，Order 即下标）与无效文档的结果。
func Measure(ctx context.Context, paths []string, p Prober, workers int) (valid []domain.WeightedItem, invalid []pool.Outcome[domain.WeightedItem]) {
	type job struct {
		path  string
		order int
	}
	jobs := make([]job, 0, len(paths))
	for i, path := range paths {
		jobs = append(jobs, job{path: path, order: i})
	}

	outcomes := pool.RunAll(ctx, jobs, func(j job) string { return j.path }, pool.Options[domain.WeightedItem]{
		Workers: workers,
	}, func(ctx context.Context, j job) (domain.WeightedItem, error) {
		size, pages, err := p.Probe(ctx, j.path)
		if err != nil {
			return domain.WeightedItem{}, err
		}
		if size <= 0 {
			return domain.WeightedItem{}, fmt.Errorf("文档大小无效：%d", size)
		}
		return domain.WeightedItem{Path: j.path, Size: size, Pages: pages, Order: j.order}, nil
	})

	for _, o := range outcomes {
		if o.OK() {
			valid = append(valid, o.Value)
		} else {
			invalid = append(invalid, o)
		}
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Order < valid[j].Order })
	sort.Slice(invalid, func(i, j int) bool { return invalid[i].Index < invalid[j].Index })
	return valid, invalid
}

// Partition 用贪心 LPT 把 items 分成 min(groups, 有效文档数) 个桶。
//
// 规则：
// - Size <= 0 的文档先被剔除
// - 按 Size 降序稳定排序（同大小保持 Order 顺序）
// - 每个文档放入当前总权重最小的桶；权重相同取下标最小的桶
// - 返回的每个桶都非空；没有有效文档时返回空切片
//
// 结果只由输入决定：同样的 items 与 groups 总是得到同样的分组。
func Partition(items []domain.WeightedItem, groups int) ([]domain.Bucket, error) {
	if groups < 1 {
		return nil, ErrInvalidGroups
	}

	valid := make([]domain.WeightedItem, 0, len(items))
	for _, it := range items {
		if it.Size > 0 {
			valid = append(valid, it)
		}
	}
	if len(valid) == 0 {
		return []domain.Bucket{}, nil
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].Size != valid[j].Size {
			return valid[i].Size > valid[j].Size
		}
		return valid[i].Order < valid[j].Order
	})

	k := groups
	if k > len(valid) {
		k = len(valid)
	}
	buckets := make([]domain.Bucket, k)
	for i := range buckets {
		buckets[i].Index = i
	}

	for _, it := range valid {
		best := 0
		for i := 1; i < k; i++ {
			if buckets[i].Weight < buckets[best].Weight {
				best = i
			}
		}
		buckets[best].Items = append(buckets[best].Items, it)
		buckets[best].Weight += it.Size
	}
	return buckets, nil
}
