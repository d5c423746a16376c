package settings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"dealwatch/api/internal/blockpack"
)

var testKey = Key{
	KeyHex: strings.Repeat("0f", 32),
	IVHex:  strings.Repeat("a1", 16),
}

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), map[Name]Key{
		CRMConfig:    testKey,
		SlackConfig:  testKey,
		RoutesConfig: testKey,
	})
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestPutAndReadCRM(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	crm := CRM{
		LinkToRecord:         "https://app.hubspot.com/contacts/%s/record/%s/%s",
		DefaultObjectTypeMap: map[string]string{"0-1": "contacts", "0-3": "deals"},
		ExecutiveReports: ExecutiveReports{
			ReportCreatedBy: "RevOps",
			StuckDeals: StuckDeals{
				IdleTime:  30,
				ExecUsers: []string{"ceo@example.com"},
				PerStage: ReportTemplates{
					Exec: &blockpack.Message{Blocks: []blockpack.Block{{"type": "divider"}}},
					Meta: ReportMeta{Title: "Stuck deals"},
				},
			},
		},
	}
	if err := store.Put(ctx, CRMConfig, crm); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	stored, err := s.Get(string(CRMConfig))
	if err != nil {
		t.Fatalf("miniredis get: %v", err)
	}
	if strings.Contains(stored, "RevOps") {
		t.Fatal("settings stored in clear text")
	}

	got, err := store.CRM(ctx)
	if err != nil {
		t.Fatalf("CRM() error = %v", err)
	}
	if got.ExecutiveReports.StuckDeals.IdleTime != 30 || got.ExecutiveReports.ReportCreatedBy != "RevOps" {
		t.Fatalf("unexpected settings %+v", got.ExecutiveReports)
	}
	if got.DealsObjectTypeID() != "0-3" {
		t.Fatalf("DealsObjectTypeID() = %q", got.DealsObjectTypeID())
	}
	if got.PageSize() != 100 {
		t.Fatalf("PageSize() = %d", got.PageSize())
	}
	templates := got.ExecutiveReports.StuckDeals.PerStage
	if templates.Exec == nil || len(templates.Exec.Blocks) != 1 || templates.SalesTeam != nil {
		t.Fatalf("unexpected templates %+v", templates)
	}
}

func TestReadMissingSettings(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()

	_, err := store.Slack(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestReadWithoutEncryptionKey(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	if _, err := store.Routes(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestPutRawRejectsInvalidInput(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.PutRaw(ctx, SlackConfig, []byte("{not json")); err == nil {
		t.Fatal("expected invalid JSON to be rejected")
	}
	if err := store.PutRaw(ctx, Name("OTHER"), []byte("{}")); err == nil {
		t.Fatal("expected unknown name to be rejected")
	}
}

func TestRoutesLookup(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	raw := `{"object.propertyChange":{"0-3/dealstage/closedwon":{"code":"won","props":["amount"],
		"webhooks":[{"code":"sales","url":"https://hooks.slack.com/x","active":true,"message":"won"}]}}}`
	if err := store.PutRaw(ctx, RoutesConfig, []byte(raw)); err != nil {
		t.Fatalf("PutRaw() error = %v", err)
	}
	routes, err := store.Routes(ctx)
	if err != nil {
		t.Fatalf("Routes() error = %v", err)
	}
	route, ok := routes.Lookup("object.propertyChange", "0-3/dealstage/closedwon")
	if !ok || route.Code != "won" || len(route.Webhooks) != 1 || !route.Webhooks[0].Active {
		t.Fatalf("unexpected route %+v (found %v)", route, ok)
	}
	if _, ok := routes.Lookup("object.creation", "0-3/dealstage/closedwon"); ok {
		t.Fatal("expected no route for other subscription type")
	}
}

func TestSlackMessageLimitDefault(t *testing.T) {
	if got := (Slack{}).MessageLimit(); got != 3000 {
		t.Fatalf("MessageLimit() = %d", got)
	}
	if got := (Slack{MaxMessageLength: 1200}).MessageLimit(); got != 1200 {
		t.Fatalf("MessageLimit() = %d", got)
	}
}
