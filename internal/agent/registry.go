package agent

import (
	"fmt"
	"sort"
	"strings"

	xerrors "AgentHub-Chain/internal/errors"
)

// MaxRecommendations 是 Recommend 返回的最大数量。
const MaxRecommendations = 3

// UserProfile 描述请求用户的偏好。
type UserProfile struct {
	Interests          []string          `json:"interests,omitempty"`
	CommunicationStyle string            `json:"communication_style,omitempty"`
	Expertise          string            `json:"expertise,omitempty"`
	Preferences        map[string]string `json:"preferences,omitempty"`
}

// Registry 是只读的智能体目录。
type Registry struct {
	ordered []*Profile
	byID    map[ID]*Profile
}

// NewRegistry 校验并构建目录，画像顺序即推荐时的平局顺序。
func NewRegistry(profiles []*Profile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体目录为空")
	}
	r := &Registry{
		ordered: make([]*Profile, 0, len(profiles)),
		byID:    make(map[ID]*Profile, len(profiles)),
	}
	for i, p := range profiles {
		if err := validate(p); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("第 %d 个智能体画像无效", i+1))
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体标识重复: %s", p.ID))
		}
		r.byID[p.ID] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Get 按标识查找画像。
func (r *Registry) Get(id ID) (*Profile, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// List 按目录顺序返回全部画像。
func (r *Registry) List() []*Profile {
	out := make([]*Profile, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Recommend 为查询打分并返回得分最高的至多三个画像，同分保持目录顺序。
func (r *Registry) Recommend(query string, user UserProfile) []*Profile {
	type scored struct {
		profile *Profile
		score   float64
	}
	ranked := make([]scored, 0, len(r.ordered))
	for _, p := range r.ordered {
		ranked = append(ranked, scored{profile: p, score: Score(p, query, user)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	n := MaxRecommendations
	if len(ranked) < n {
		n = len(ranked)
	}
	out := make([]*Profile, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.profile)
	}
	return out
}

// Score 计算画像与查询的匹配分数。
func Score(p *Profile, query string, user UserProfile) float64 {
	q := strings.ToLower(query)
	score := 0.0

	for _, tag := range p.Specializations {
		if tag != "" && strings.Contains(q, strings.ToLower(tag)) {
			score += 20
		}
	}
	for _, interest := range user.Interests {
		if containsFold(p.DomainKnowledge, interest) {
			score += 15
		}
	}

	perf := p.Performance()
	score += 10 * perf.SuccessRate
	score += 10 * perf.Satisfaction

	if strings.EqualFold(user.CommunicationStyle, "technical") && p.TechnicalDepth > 0.8 {
		score += 10
	}
	return score
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func validate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("画像为空")
	}
	if strings.TrimSpace(string(p.ID)) == "" {
		return fmt.Errorf("缺少标识")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%s 缺少名称", p.ID)
	}
	if !unit(p.CreativityIndex) || !unit(p.TechnicalDepth) {
		return fmt.Errorf("%s 的 creativity/technical_depth 必须位于 0 到 1 之间", p.ID)
	}
	for _, c := range p.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%s 存在未命名的能力", p.ID)
		}
		if !unit(c.Accuracy) {
			return fmt.Errorf("%s 的能力 %s 准确率越界", p.ID, c.Name)
		}
		switch c.Complexity {
		case TierBasic, TierIntermediate, TierAdvanced, TierExpert:
		default:
			return fmt.Errorf("%s 的能力 %s 复杂度未知: %q", p.ID, c.Name, c.Complexity)
		}
	}
	perf := p.performance
	if !unit(perf.SuccessRate) || !unit(perf.Satisfaction) || !unit(perf.ComplexityHandling) || perf.MeanLatency < 0 {
		return fmt.Errorf("%s 的表现指标越界", p.ID)
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
