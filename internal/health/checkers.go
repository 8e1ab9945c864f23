package health

import (
	"context"
	"time"
)

// PingChecker probes a dependency through a ping function. Slow pings
// degrade, failed pings make the component unhealthy.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	slowAt   time.Duration
	ping     func(ctx context.Context) error
}

func NewPingChecker(name string, critical bool, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{
		name:     name,
		critical: critical,
		timeout:  5 * time.Second,
		slowAt:   100 * time.Millisecond,
		ping:     ping,
	}
}

func (p *PingChecker) Name() string           { return p.name }
func (p *PingChecker) IsCritical() bool       { return p.critical }
func (p *PingChecker) Timeout() time.Duration { return p.timeout }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: p.name,
		Critical:  p.critical,
		Timestamp: start,
	}
	err := p.ping(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = p.name + " ping failed"
		return result
	}
	if result.Duration > p.slowAt {
		result.Status = StatusDegraded
		result.Message = p.name + " responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = p.name + " healthy"
	return result
}
