package rules

import (
	"context"
	"errors"
	"testing"
)

func storeRule(id, scope string) *Rule {
	return &Rule{
		ID:          id,
		TenantScope: scope,
		Priority:    10,
		Enabled:     true,
		Trigger:     Trigger{EventType: "invoice.overdue"},
		Actions:     []Action{{Kind: ActionNotify}},
	}
}

func TestMemoryStorePutStampsIncreasingVersions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, err := store.PutRule(ctx, storeRule("r1", "tenant-a"))
	if err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}
	second, err := store.PutRule(ctx, storeRule("r1", "tenant-a"))
	if err != nil {
		t.Fatalf("PutRule() update failed: %v", err)
	}

	if second.Version <= first.Version {
		t.Errorf("updated version = %d, want > %d", second.Version, first.Version)
	}

	other, err := store.PutRule(ctx, storeRule("r2", "tenant-a"))
	if err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}
	if other.Version <= second.Version {
		t.Errorf("versions must be strictly increasing across rules: got %d after %d", other.Version, second.Version)
	}
}

func TestMemoryStoreGetMissingRule(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetRule(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDisableIsSoftDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.PutRule(ctx, storeRule("r1", "tenant-a")); err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}

	if err := store.DisableRule(ctx, "r1"); err != nil {
		t.Fatalf("DisableRule() failed: %v", err)
	}

	// Still retrievable for in-flight resumption, just disabled.
	r, err := store.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule() after disable failed: %v", err)
	}
	if r.Enabled {
		t.Error("rule still enabled after DisableRule()")
	}

	if err := store.DisableRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DisableRule(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListRulesFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	billing := storeRule("billing-1", "tenant-a")
	billing.Category = "billing"
	sales := storeRule("sales-1", "tenant-a")
	sales.Category = "sales"
	foreign := storeRule("foreign-1", "tenant-b")
	global := storeRule("global-1", ScopeAll)

	for _, r := range []*Rule{billing, sales, foreign, global} {
		if _, err := store.PutRule(ctx, r); err != nil {
			t.Fatalf("PutRule(%s) failed: %v", r.ID, err)
		}
	}
	if err := store.DisableRule(ctx, "sales-1"); err != nil {
		t.Fatalf("DisableRule() failed: %v", err)
	}

	scoped, err := store.ListRules(ctx, "tenant-a", Filter{})
	if err != nil {
		t.Fatalf("ListRules() failed: %v", err)
	}
	if len(scoped) != 3 {
		t.Errorf("ListRules(tenant-a) = %d rules, want 3 (two exact plus blueprint-wide)", len(scoped))
	}

	byCategory, err := store.ListRules(ctx, "tenant-a", Filter{Category: "billing"})
	if err != nil {
		t.Fatalf("ListRules() failed: %v", err)
	}
	if len(byCategory) != 1 || byCategory[0].ID != "billing-1" {
		t.Errorf("ListRules(category=billing) = %v, want [billing-1]", ruleIDs(byCategory))
	}

	disabled, err := store.ListRules(ctx, "tenant-a", Filter{Status: "disabled"})
	if err != nil {
		t.Fatalf("ListRules() failed: %v", err)
	}
	if len(disabled) != 1 || disabled[0].ID != "sales-1" {
		t.Errorf("ListRules(status=disabled) = %v, want [sales-1]", ruleIDs(disabled))
	}
}

func TestMemoryStorePackInstallToggleAtomicity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r1 := storeRule("pack-r1", ScopeAll)
	r1.Enabled = false
	r2 := storeRule("pack-r2", ScopeAll)
	r2.Enabled = false
	for _, r := range []*Rule{r1, r2} {
		if _, err := store.PutRule(ctx, r); err != nil {
			t.Fatalf("PutRule() failed: %v", err)
		}
	}
	if err := store.PutPack(ctx, &Pack{ID: "pack-1", Name: "Collections", RuleIDs: []string{"pack-r1", "pack-r2"}}); err != nil {
		t.Fatalf("PutPack() failed: %v", err)
	}

	n, err := store.InstallPack(ctx, "pack-1", "tenant-a")
	if err != nil {
		t.Fatalf("InstallPack() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("InstallPack() toggled %d rules, want 2", n)
	}
	for _, id := range []string{"pack-r1", "pack-r2"} {
		r, err := store.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule(%s) failed: %v", id, err)
		}
		if !r.Enabled || r.PackID != "pack-1" {
			t.Errorf("rule %s: enabled=%v packId=%q after install", id, r.Enabled, r.PackID)
		}
	}

	if _, err := store.UninstallPack(ctx, "pack-1", "tenant-a"); err != nil {
		t.Fatalf("UninstallPack() failed: %v", err)
	}
	for _, id := range []string{"pack-r1", "pack-r2"} {
		r, _ := store.GetRule(ctx, id)
		if r.Enabled {
			t.Errorf("rule %s still enabled after uninstall", id)
		}
	}
}

func TestMemoryStorePackInstallRollsBackOnMissingMember(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r1 := storeRule("present", ScopeAll)
	r1.Enabled = false
	if _, err := store.PutRule(ctx, r1); err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}
	if err := store.PutPack(ctx, &Pack{ID: "broken", Name: "Broken", RuleIDs: []string{"present", "missing"}}); err != nil {
		t.Fatalf("PutPack() failed: %v", err)
	}

	if _, err := store.InstallPack(ctx, "broken", "tenant-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("InstallPack() error = %v, want ErrNotFound", err)
	}

	// The present member must be untouched.
	r, err := store.GetRule(ctx, "present")
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if r.Enabled {
		t.Error("member rule was enabled despite the install failing")
	}
}

func TestMemoryStorePackScopeCompatibility(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r := storeRule("pr", ScopeAll)
	if _, err := store.PutRule(ctx, r); err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}
	if err := store.PutPack(ctx, &Pack{
		ID: "regional", Name: "Regional", RuleIDs: []string{"pr"},
		CompatibleScopes: []string{"tenant-emea"},
	}); err != nil {
		t.Fatalf("PutPack() failed: %v", err)
	}

	var ve *ValidationError
	if _, err := store.InstallPack(ctx, "regional", "tenant-apac"); !errors.As(err, &ve) {
		t.Fatalf("InstallPack(incompatible scope) error = %v, want ValidationError", err)
	}
	if _, err := store.InstallPack(ctx, "regional", "tenant-emea"); err != nil {
		t.Errorf("InstallPack(compatible scope) failed: %v", err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.PutRule(ctx, storeRule("r1", "tenant-a")); err != nil {
		t.Fatalf("PutRule() failed: %v", err)
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	// Disabling after the snapshot must not affect the pinned view.
	if err := store.DisableRule(ctx, "r1"); err != nil {
		t.Fatalf("DisableRule() failed: %v", err)
	}
	if !snap.Rules[0].Enabled {
		t.Error("snapshot observed a mutation made after it was taken")
	}

	fresh, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	if fresh.Version <= snap.Version {
		t.Errorf("fresh snapshot version = %d, want > %d", fresh.Version, snap.Version)
	}
}

func ruleIDs(rs []*Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
