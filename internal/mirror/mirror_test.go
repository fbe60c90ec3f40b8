package mirror_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"eventlake/internal/api"
	"eventlake/internal/catalog"
	"eventlake/internal/event"
	"eventlake/internal/ingest"
	"eventlake/internal/mirror"
	"eventlake/internal/mirror/memsource"
)

// fakeDest records forwarded events and derives the last entry from them.
type fakeDest struct {
	mu          sync.Mutex
	events      map[string]map[string]*event.Object
	batches     map[string]int
	last        map[string]time.Time
	fail        map[string]error
	provisioned []string
	policies    []api.PolicyRequest
	creds       []api.CredentialRequest
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		events:  make(map[string]map[string]*event.Object),
		batches: make(map[string]int),
		last:    make(map[string]time.Time),
		fail:    make(map[string]error),
	}
}

func (d *fakeDest) ProvisionCollection(_ context.Context, spec ingest.CollectionSpec) (*catalog.Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisioned = append(d.provisioned, spec.Name)
	return &catalog.Collection{Name: spec.Name}, nil
}

func (d *fakeDest) LastEntryAt(_ context.Context, ref string) (*time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[ref]; err != nil {
		return nil, err
	}
	t, ok := d.last[ref]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (d *fakeDest) Ingest(_ context.Context, collection string, objs []*event.Object) (*catalog.Batch, error) {
	evs, err := event.ParseAll(objs)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[collection]; err != nil {
		return nil, err
	}
	c, ok := d.events[collection]
	if !ok {
		c = make(map[string]*event.Object)
		d.events[collection] = c
	}
	for i, e := range evs {
		c[e.ID] = objs[i]
		if e.OccurredAt.After(d.last[collection]) {
			d.last[collection] = e.OccurredAt
		}
	}
	d.batches[collection]++
	return &catalog.Batch{NumEvents: len(evs)}, nil
}

func (d *fakeDest) PutPolicy(_ context.Context, req api.PolicyRequest) (*catalog.AccessPolicy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies = append(d.policies, req)
	return &catalog.AccessPolicy{Name: req.Name}, nil
}

func (d *fakeDest) PutCredential(_ context.Context, req api.CredentialRequest) (*api.Credential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, req)
	return &api.Credential{AccessKey: "key"}, nil
}

func (d *fakeDest) count(collection string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events[collection])
}

func (d *fakeDest) get(collection, id string) *event.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[collection][id]
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedUsers(t *testing.T, src *memsource.Source, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		doc := event.ObjectOf(
			"name", fmt.Sprintf("user %d", i),
			"password", "hunter2",
			"profile", map[string]any{"ssn": "123-45-6789", "city": "Oslo"},
			"version", i%3,
		)
		if err := src.Put("users", fmt.Sprintf("u%04d", i), base.Add(time.Duration(i)*time.Second), doc); err != nil {
			t.Fatal(err)
		}
	}
}

func usersConfig() mirror.Config {
	return mirror.Config{
		PageSize: 100,
		Collections: []mirror.CollectionConfig{{
			Source:  "users",
			Exclude: []string{"password", "profile.ssn"},
		}},
	}
}

func TestIncrementalRuns(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 500)

	m, err := mirror.New(usersConfig(), src, dst, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	stats, errs := m.RunOnce(ctx)
	if errs[0] != nil {
		t.Fatalf("first run: %v", errs[0])
	}
	if stats[0].Since != nil {
		t.Errorf("first run since: expected nil, got %v", stats[0].Since)
	}
	if stats[0].Matched != 500 || stats[0].Forwarded != 500 {
		t.Errorf("first run: expected 500 matched and forwarded, got %+v", stats[0])
	}
	if stats[0].Pages != 5 || dst.batches["users"] != 5 {
		t.Errorf("pages: expected 5, got %d (%d batches)", stats[0].Pages, dst.batches["users"])
	}
	if got := dst.count("users"); got != 500 {
		t.Fatalf("destination: expected 500 documents, got %d", got)
	}

	seedUsers(t, src, 500, 2)
	stats, errs = m.RunOnce(ctx)
	if errs[0] != nil {
		t.Fatalf("second run: %v", errs[0])
	}
	if stats[0].Forwarded != 2 {
		t.Errorf("second run: expected exactly 2 forwarded, got %d", stats[0].Forwarded)
	}
	if want := base.Add(499 * time.Second); stats[0].Since == nil || !stats[0].Since.Equal(want) {
		t.Errorf("second run since: expected %v, got %v", want, stats[0].Since)
	}
	if got := dst.count("users"); got != 502 {
		t.Errorf("destination: expected 502 documents, got %d", got)
	}

	stats, _ = m.RunOnce(ctx)
	if stats[0].Matched != 0 || stats[0].Pages != 0 {
		t.Errorf("idle run: expected no-op, got %+v", stats[0])
	}
	if s := m.Runners()[0].State(); s != mirror.StateIdle {
		t.Errorf("state: expected idle, got %s", s)
	}
}

func TestSanitizeAndIdentity(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 3)

	m, err := mirror.New(usersConfig(), src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, errs := m.RunOnce(context.Background()); errs[0] != nil {
		t.Fatal(errs[0])
	}

	doc := dst.get("users", "u0001")
	if doc == nil {
		t.Fatal("u0001 not forwarded")
	}
	if _, ok := doc.Get("password"); ok {
		t.Error("password should be stripped")
	}
	if _, ok := doc.Lookup("profile.ssn"); ok {
		t.Error("profile.ssn should be stripped")
	}
	if v, _ := doc.Lookup("profile.city"); v != "Oslo" {
		t.Errorf("profile.city: expected %q, got %v", "Oslo", v)
	}
	if v, _ := doc.Get(event.FieldOccurredAt); v != base.Add(time.Second).Format(time.RFC3339Nano) {
		t.Errorf("occurredAt: got %v", v)
	}
}

func TestEnvelopeColumnIsDropped(t *testing.T) {
	d := mirror.Document{
		ID:        "u1",
		UpdatedAt: base,
		Fields:    event.ObjectOf("name", "a", event.FieldEnvelope, "from-source"),
	}
	obj := mirror.ToEvent(d, nil, "")
	if _, ok := obj.Get(event.FieldEnvelope); ok {
		t.Errorf("%s should be dropped", event.FieldEnvelope)
	}
	if _, err := event.Parse(obj); err != nil {
		t.Errorf("Parse: %v", err)
	}
	if _, ok := d.Fields.Get(event.FieldEnvelope); !ok {
		t.Error("source document must be left untouched")
	}
}

func TestSanitizeLeavesSourceUntouched(t *testing.T) {
	in := event.ObjectOf("a", map[string]any{"b": 1, "c": 2}, "d", 3)
	out := mirror.Sanitize(in, []string{"a.b", "d", "missing.path"})
	if _, ok := in.Lookup("a.b"); !ok {
		t.Error("input was modified")
	}
	if _, ok := out.Lookup("a.b"); ok {
		t.Error("a.b should be removed")
	}
	if _, ok := out.Lookup("a.c"); !ok {
		t.Error("a.c should remain")
	}
	if _, ok := out.Get("d"); ok {
		t.Error("d should be removed")
	}
}

func TestHistoricalDestination(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 4)
	src.PutRaw("users", "noversion", base.Add(-time.Hour), []byte(`{"name":"legacy"}`))

	cfg := usersConfig()
	cfg.Collections[0].Historical = &mirror.HistoricalConfig{Collection: "users-history", VersionField: "version"}
	m, err := mirror.New(cfg, src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	stats, errs := m.RunOnce(context.Background())
	if errs[0] != nil {
		t.Fatal(errs[0])
	}
	if stats[0].Forwarded != 5 || stats[0].Historical != 4 {
		t.Errorf("stats: expected 5 live and 4 historical, got %+v", stats[0])
	}
	if dst.get("users-history", "u0002-2") == nil {
		t.Error("expected historical id u0002-2")
	}
	if dst.get("users-history", "u0002") != nil {
		t.Error("historical ids must carry the version suffix")
	}
}

func TestMalformedDocumentsAreSkipped(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 3)
	src.PutRaw("users", "broken", base.Add(time.Minute), []byte(`[1,2,3]`))

	m, err := mirror.New(usersConfig(), src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	stats, errs := m.RunOnce(context.Background())
	if errs[0] != nil {
		t.Fatalf("run: %v", errs[0])
	}
	if stats[0].Skipped != 1 || stats[0].Forwarded != 3 {
		t.Errorf("stats: expected 1 skipped and 3 forwarded, got %+v", stats[0])
	}
}

func TestFailingCollectionDoesNotStopOthers(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 10)
	if err := src.Put("orders", "o1", base, event.ObjectOf("total", 10)); err != nil {
		t.Fatal(err)
	}
	dst.fail["users"] = errors.New("connection refused")

	cfg := usersConfig()
	cfg.Collections = append(cfg.Collections, mirror.CollectionConfig{Source: "orders"})
	m, err := mirror.New(cfg, src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, errs := m.RunOnce(context.Background())
	if errs[0] == nil {
		t.Error("users: expected error")
	}
	if errs[1] != nil {
		t.Errorf("orders: unexpected error %v", errs[1])
	}
	if dst.count("orders") != 1 {
		t.Errorf("orders: expected 1 document, got %d", dst.count("orders"))
	}
	if _, err := m.Runners()[0].Last(); err == nil {
		t.Error("Last: expected recorded error")
	}

	delete(dst.fail, "users")
	if _, errs := m.RunOnce(context.Background()); errs[0] != nil {
		t.Errorf("users after recovery: %v", errs[0])
	}
	if dst.count("users") != 10 {
		t.Errorf("users: expected 10 documents, got %d", dst.count("users"))
	}
}

func TestProvision(t *testing.T) {
	dst := newFakeDest()
	cfg := usersConfig()
	cfg.Collections[0].Destination = "mirror-users"
	cfg.Collections[0].Historical = &mirror.HistoricalConfig{Collection: "mirror-users-history", VersionField: "version"}
	cfg.Policy = &mirror.PolicyConfig{Name: "mirror", ScopeFields: []string{"tenant"}}
	cfg.Credential = &mirror.CredentialConfig{Name: "mirror-reader", ScopeValues: map[string]string{"tenant": "acme"}}

	m, err := mirror.New(cfg, memsource.New(), dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	cred, err := m.Provision(context.Background())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if cred == nil || cred.AccessKey != "key" {
		t.Errorf("credential: got %+v", cred)
	}
	if len(dst.provisioned) != 2 || dst.provisioned[0] != "mirror-users" || dst.provisioned[1] != "mirror-users-history" {
		t.Errorf("collections: got %v", dst.provisioned)
	}
	if len(dst.policies) != 1 || len(dst.policies[0].Grants) != 2 {
		t.Fatalf("policy: got %+v", dst.policies)
	}
	if g := dst.policies[0].Grants[0]; g.Permission != catalog.PermissionRead || g.ScopeFields[0] != "tenant" {
		t.Errorf("grant: got %+v", g)
	}
	if c := dst.creds[0]; c.Policy != "mirror" || len(c.ScopeValues) != 1 || c.ScopeValues[0].Value != "acme" {
		t.Errorf("credential request: got %+v", c)
	}
}

func TestScheduledRuns(t *testing.T) {
	src := memsource.New()
	dst := newFakeDest()
	seedUsers(t, src, 0, 5)

	cfg := usersConfig()
	cfg.Interval = 20 * time.Millisecond
	m, err := mirror.New(cfg, src, dst, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = m.Stop() }()

	waitFor(t, func() bool { return dst.count("users") == 5 })
	seedUsers(t, src, 5, 3)
	waitFor(t, func() bool { return dst.count("users") == 8 })

	jobs := m.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "mirror:users" || jobs[0].Interval != cfg.Interval {
		t.Errorf("jobs: got %+v", jobs)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
