package chatterbox

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"eventlake/internal/event"
)

// Format produces the fields of one synthetic event. The generator adds
// id and occurredAt.
type Format interface {
	Generate(f *gofakeit.Faker, pools *Pools, now time.Time) *event.Object
}

// Pools hold the low-cardinality values shared by all formats so that
// terms and scope queries have something to group by.
type Pools struct {
	Hosts    []string
	Services []string
	Tenants  []string
	Envs     []string
}

func NewPools(f *gofakeit.Faker, hostCount, serviceCount, tenantCount int) *Pools {
	p := &Pools{Envs: []string{"prod", "staging", "dev"}}
	for i := range hostCount {
		p.Hosts = append(p.Hosts, fmt.Sprintf("host-%d", i+1))
	}
	names := []string{"api", "web", "billing", "worker", "gateway", "auth", "search", "scheduler"}
	for i := range serviceCount {
		p.Services = append(p.Services, names[i%len(names)])
	}
	for range tenantCount {
		p.Tenants = append(p.Tenants, f.Username())
	}
	return p
}

func pick[T any](f *gofakeit.Faker, s []T) T {
	return s[f.Number(0, len(s)-1)]
}

// requestFormat is an HTTP access record.
type requestFormat struct{}

func (requestFormat) Generate(f *gofakeit.Faker, p *Pools, _ time.Time) *event.Object {
	status := pick(f, []int{200, 200, 200, 201, 204, 301, 400, 401, 404, 500, 503})
	return event.ObjectOf(
		"kind", "request",
		"host", pick(f, p.Hosts),
		"service", pick(f, p.Services),
		"tenant", pick(f, p.Tenants),
		"env", pick(f, p.Envs),
		"request", map[string]any{
			"method":    f.HTTPMethod(),
			"path":      pick(f, []string{"/api/v1/users", "/api/v1/orders", "/api/v1/search", "/healthz"}),
			"clientIp":  f.IPv4Address(),
			"userAgent": f.UserAgent(),
		},
		"status", status,
		"latencyMs", f.Float64Range(0.5, 800),
		"bytes", f.Number(0, 200000),
	)
}

// errorFormat is an application failure with a cause.
type errorFormat struct{}

func (errorFormat) Generate(f *gofakeit.Faker, p *Pools, _ time.Time) *event.Object {
	return event.ObjectOf(
		"kind", "error",
		"host", pick(f, p.Hosts),
		"service", pick(f, p.Services),
		"tenant", pick(f, p.Tenants),
		"env", pick(f, p.Envs),
		"level", pick(f, []string{"error", "error", "warn"}),
		"error", map[string]any{
			"message": pick(f, []string{"connection refused", "timeout", "invalid input", "not found", "permission denied"}),
			"code":    pick(f, []string{"ECONNREFUSED", "ETIMEDOUT", "EINVAL", "ENOENT", "EACCES"}),
			"retries": f.Number(0, 5),
		},
	)
}

// orderFormat is a business event carrying customer data.
type orderFormat struct{}

func (orderFormat) Generate(f *gofakeit.Faker, p *Pools, _ time.Time) *event.Object {
	return event.ObjectOf(
		"kind", "order",
		"service", "billing",
		"tenant", pick(f, p.Tenants),
		"env", pick(f, p.Envs),
		"orderId", f.UUID(),
		"orderStatus", pick(f, []string{"created", "paid", "shipped", "cancelled"}),
		"total", f.Price(5, 1500),
		"items", f.Number(1, 12),
		"customer", map[string]any{
			"name":  f.Name(),
			"email": f.Email(),
			"city":  f.City(),
		},
	)
}

// metricFormat is a periodic gauge sample.
type metricFormat struct{}

func (metricFormat) Generate(f *gofakeit.Faker, p *Pools, _ time.Time) *event.Object {
	return event.ObjectOf(
		"kind", "metric",
		"host", pick(f, p.Hosts),
		"service", pick(f, p.Services),
		"env", pick(f, p.Envs),
		"metric", pick(f, []string{"cpu", "memory", "disk", "connections"}),
		"value", f.Float64Range(0, 100),
	)
}

// auditFormat is a security-relevant user action.
type auditFormat struct{}

func (auditFormat) Generate(f *gofakeit.Faker, p *Pools, now time.Time) *event.Object {
	return event.ObjectOf(
		"kind", "audit",
		"tenant", pick(f, p.Tenants),
		"env", pick(f, p.Envs),
		"actor", f.Email(),
		"action", pick(f, []string{"login", "logout", "password.change", "role.grant", "export"}),
		"success", f.Bool(),
		"note", f.Sentence(6),
		"sessionStartedAt", now.Add(-time.Duration(f.Number(1, 3600))*time.Second).Format(time.RFC3339),
	)
}
