package mirror

import (
	"strings"
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
interval: 45s
source:
  driver: sqlite
  dsn: /var/lib/app/app.db
  documentColumn: body
collections:
  - source: users
    exclude: [password, profile.ssn]
    historical:
      collection: users-history
      versionField: version
  - source: orders
    destination: shop-orders
    timeField: placedAt
policy:
  name: mirror
  scopeFields: [tenant]
credential:
  name: mirror-reader
  scopeValues:
    tenant: acme
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Interval != 45*time.Second {
		t.Errorf("interval: expected 45s, got %v", cfg.Interval)
	}
	if cfg.PageSize != DefaultPageSize {
		t.Errorf("pageSize: expected default %d, got %d", DefaultPageSize, cfg.PageSize)
	}
	if cfg.Source.DocumentColumn != "body" {
		t.Errorf("documentColumn: got %q", cfg.Source.DocumentColumn)
	}
	if got := cfg.Collections[0].DestinationName(); got != "users" {
		t.Errorf("destination default: got %q", got)
	}
	if got := cfg.Collections[1].DestinationName(); got != "shop-orders" {
		t.Errorf("destination: got %q", got)
	}
	if cfg.Collections[0].Historical.VersionField != "version" {
		t.Errorf("historical: got %+v", cfg.Collections[0].Historical)
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := map[string]string{
		"no collections": `interval: 10s`,
		"missing source": `collections: [{destination: x}]`,
		"duplicate destination": `
collections:
  - source: a
    destination: x
  - source: x`,
		"historical collides": `
collections:
  - source: a
    historical: {collection: a, versionField: v}`,
		"unknown driver": `
source: {driver: oracle, dsn: x}
collections: [{source: a}]`,
		"credential without policy": `
collections: [{source: a}]
credential: {name: c}`,
		"missing scope value": `
collections: [{source: a}]
policy: {name: p, scopeFields: [tenant]}
credential: {name: c}`,
		"bad yaml": `collections: [`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(doc)); err == nil {
				t.Error("expected error")
			} else if !strings.Contains(err.Error(), "mirror config") {
				t.Errorf("error should name the mirror config: %v", err)
			}
		})
	}
}
