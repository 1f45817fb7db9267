package cache

import (
	"strings"
	"time"
)

// Kind 是分区的逻辑类型。
type Kind string

const (
	KindAPI    Kind = "api"
	KindStatic Kind = "static"
	KindImage  Kind = "image"
	KindFont   Kind = "font"
)

// Kinds 按 Match 查找顺序列出全部分区类型。
var Kinds = []Kind{KindAPI, KindStatic, KindImage, KindFont}

// Partition 是带版本后缀的具体分区，TTL 为 0 表示永不过期。
type Partition struct {
	Kind Kind
	Name string
	TTL  time.Duration
}

// Fresh 判断条目在 now 时刻是否仍在 TTL 内；无 TTL 的分区永远新鲜。
func (p Partition) Fresh(entry *Entry, now time.Time) bool {
	if p.TTL <= 0 {
		return true
	}
	return now.Sub(entry.CachedAt) < p.TTL
}

// ProfileOptions 描述来自配置的 TTL 覆盖项。
type ProfileOptions struct {
	APITTL   time.Duration
	ImageTTL time.Duration
}

// DefaultTTL 返回每种分区的默认 TTL。
func DefaultTTL(kind Kind) time.Duration {
	switch kind {
	case KindAPI:
		return 30 * time.Minute
	case KindImage:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// VersionSet 是当前代码版本认可的分区集合，激活时不在集合中的分区会被整体清除。
type VersionSet struct {
	tag        string
	partitions map[Kind]Partition
}

// NewVersionSet 将默认 TTL 与配置覆盖合并，生成 <kind>-<tag> 形式的分区名。
func NewVersionSet(tag string, opts ProfileOptions) VersionSet {
	tag = strings.TrimSpace(tag)
	set := VersionSet{tag: tag, partitions: make(map[Kind]Partition, len(Kinds))}
	for _, kind := range Kinds {
		ttl := DefaultTTL(kind)
		switch {
		case kind == KindAPI && opts.APITTL > 0:
			ttl = opts.APITTL
		case kind == KindImage && opts.ImageTTL > 0:
			ttl = opts.ImageTTL
		}
		set.partitions[kind] = Partition{Kind: kind, Name: partitionName(kind, tag), TTL: ttl}
	}
	return set
}

// Tag 返回版本标签。
func (v VersionSet) Tag() string {
	return v.tag
}

// Partition 返回指定类型的当前分区。
func (v VersionSet) Partition(kind Kind) Partition {
	return v.partitions[kind]
}

// All 按 Kinds 顺序返回全部分区。
func (v VersionSet) All() []Partition {
	result := make([]Partition, 0, len(Kinds))
	for _, kind := range Kinds {
		if p, ok := v.partitions[kind]; ok {
			result = append(result, p)
		}
	}
	return result
}

// Names 返回全部分区名。
func (v VersionSet) Names() []string {
	parts := v.All()
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name
	}
	return names
}

// Contains 判断分区名是否属于当前版本。
func (v VersionSet) Contains(name string) bool {
	for _, p := range v.partitions {
		if p.Name == name {
			return true
		}
	}
	return false
}

func partitionName(kind Kind, tag string) string {
	if tag == "" {
		return string(kind)
	}
	return string(kind) + "-" + tag
}
