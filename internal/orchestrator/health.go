package orchestrator

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"AgentHub-Chain/pkg/logger"
)

// HealthReport 汇总各个协作方的可用性。
type HealthReport struct {
	Completion  bool `json:"completion"`
	Fetch       bool `json:"fetch"`
	Realtime    bool `json:"realtime"`
	Persistence bool `json:"persistence"`
}

// Healthy 在全部协作方可用时返回 true。
func (r HealthReport) Healthy() bool {
	return r.Completion && r.Fetch && r.Realtime && r.Persistence
}

// Health 并发探测补全服务、抓取服务、实时连接与对话仓库。
// 未配置的可选协作方视为可用。
func (o *Orchestrator) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, o.healthTimeout)
	defer cancel()

	var report HealthReport
	var g errgroup.Group
	g.Go(func() error {
		report.Completion = o.probe(ctx, "completion", o.completion)
		return nil
	})
	g.Go(func() error {
		report.Fetch = o.probe(ctx, "fetch", o.content)
		return nil
	})
	g.Go(func() error {
		report.Persistence = o.probe(ctx, "persistence", o.history)
		return nil
	})
	g.Go(func() error {
		report.Realtime = o.realtime == nil || o.realtime.Healthy()
		return nil
	})
	_ = g.Wait()
	return report
}

// probe 对实现了 Ping 的依赖做一次探测。没有 Ping 的依赖视为可用，nil 依赖同样如此。
func (o *Orchestrator) probe(ctx context.Context, name string, dep any) bool {
	if dep == nil {
		return true
	}
	p, ok := dep.(pinger)
	if !ok {
		return true
	}
	if err := p.Ping(ctx); err != nil {
		o.log.Warn("健康检查失败", slog.String("dependency", name), logger.Err(err))
		return false
	}
	return true
}
