package agent

import (
	"sync"
	"time"
)

// ID 是智能体的唯一标识。合法取值由加载的目录封闭确定。
type ID string

// 内置目录中的智能体标识。
const (
	TrendHustler    ID = "1"
	Maestro         ID = "2"
	GPTAgent        ID = "3"
	TalkToWebsite   ID = "4"
	NextRaise       ID = "5"
	BookRecommender ID = "6"
	StudyGuide      ID = "7"
	CryptoPlay      ID = "8"
)

// Tier 描述能力的复杂度等级。
type Tier string

const (
	TierBasic        Tier = "basic"
	TierIntermediate Tier = "intermediate"
	TierAdvanced     Tier = "advanced"
	TierExpert       Tier = "expert"
)

// Capability 描述智能体的一项能力。
type Capability struct {
	Name       string   `json:"name" yaml:"name"`
	Complexity Tier     `json:"complexity" yaml:"complexity"`
	Domains    []string `json:"domains,omitempty" yaml:"domains"`
	Accuracy   float64  `json:"accuracy" yaml:"accuracy"`
}

// Metrics 是智能体的运行表现。SuccessRate、Satisfaction、ComplexityHandling
// 取值 0 到 1，MeanLatency 单位为秒。
type Metrics struct {
	SuccessRate        float64 `json:"success_rate" yaml:"success_rate"`
	MeanLatency        float64 `json:"mean_latency_seconds" yaml:"mean_latency_seconds"`
	Satisfaction       float64 `json:"satisfaction" yaml:"satisfaction"`
	ComplexityHandling float64 `json:"complexity_handling" yaml:"complexity_handling"`
}

// Listing 是市场展示用的附加信息。
type Listing struct {
	Cost           string  `json:"cost" yaml:"cost"`
	Rating         float64 `json:"rating" yaml:"rating"`
	Reviews        int     `json:"reviews" yaml:"reviews"`
	TasksCompleted string  `json:"tasks_completed" yaml:"tasks_completed"`
	ImageURL       string  `json:"image_url,omitempty" yaml:"image_url"`
}

// Profile 是一个智能体的画像。除表现指标外均为只读。
type Profile struct {
	ID              ID
	Name            string
	Description     string
	Instructions    string
	Capabilities    []Capability
	Specializations []string
	DomainKnowledge []string
	CreativityIndex float64
	TechnicalDepth  float64
	ContentAnalysis bool
	Listing         Listing

	mu          sync.Mutex
	performance Metrics
}

// Performance 返回当前表现指标的副本。
func (p *Profile) Performance() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.performance
}

// Observation 描述一次已完成交互的结果。
type Observation struct {
	Success bool
	Latency time.Duration
	// Satisfaction 为负数时表示没有用户反馈。
	Satisfaction float64
	// Complexity 为请求复杂度，0 表示未知。
	Complexity float64
	// Degraded 表示回答依赖的外部内容不可用，此时不计入成功率。
	Degraded bool
}

// smoothing 是指数滑动平均的权重。
const smoothing = 0.1

// Observe 以指数滑动平均更新表现指标。
func (p *Profile) Observe(o Observation) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := &p.performance
	if !o.Degraded {
		m.SuccessRate = ema(m.SuccessRate, boolScore(o.Success))
	}
	if o.Latency > 0 {
		m.MeanLatency = ema(m.MeanLatency, o.Latency.Seconds())
	}
	if o.Satisfaction >= 0 {
		m.Satisfaction = ema(m.Satisfaction, clamp01(o.Satisfaction))
	}
	if o.Complexity > 0 {
		handled := 0.0
		if o.Success {
			handled = clamp01(o.Complexity)
		}
		m.ComplexityHandling = ema(m.ComplexityHandling, handled)
	}
	return *m
}

// View 是画像的可序列化快照。
type View struct {
	ID              ID           `json:"id"`
	Name            string       `json:"name"`
	Description     string       `json:"description"`
	Capabilities    []Capability `json:"capabilities"`
	Specializations []string     `json:"specializations"`
	DomainKnowledge []string     `json:"domain_knowledge"`
	CreativityIndex float64      `json:"creativity_index"`
	TechnicalDepth  float64      `json:"technical_depth"`
	ContentAnalysis bool         `json:"content_analysis"`
	Listing         Listing      `json:"listing"`
	Performance     Metrics      `json:"performance"`
}

// View 返回画像快照，不包含系统指令。
func (p *Profile) View() View {
	return View{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Capabilities:    p.Capabilities,
		Specializations: p.Specializations,
		DomainKnowledge: p.DomainKnowledge,
		CreativityIndex: p.CreativityIndex,
		TechnicalDepth:  p.TechnicalDepth,
		ContentAnalysis: p.ContentAnalysis,
		Listing:         p.Listing,
		Performance:     p.Performance(),
	}
}

func ema(prev, sample float64) float64 {
	return prev*(1-smoothing) + sample*smoothing
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
