package model

// ExtendedRecord 外部数据源返回的实体详情（与协议无关的统一结构）
type ExtendedRecord struct {
	Kind       EntityKind     `json:"kind"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Region     string         `json:"region,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"` // 性别、出生日期、毛色、国籍等
	Pedigree   *PedigreeNames `json:"pedigree,omitempty"`   // 仅马匹有
}

// PedigreeNames 数据源给出的血统；祖先缺 id 时不建立关联
type PedigreeNames struct {
	Sire    *AncestorRef `json:"sire,omitempty"`
	Dam     *AncestorRef `json:"dam,omitempty"`
	Damsire *AncestorRef `json:"damsire,omitempty"`
}

// AncestorRef 祖先引用
type AncestorRef struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

// HasPedigree 是否带有任何血统字段
func (r *ExtendedRecord) HasPedigree() bool {
	p := r.Pedigree
	return p != nil && (p.Sire != nil || p.Dam != nil || p.Damsire != nil)
}
