package db

import (
	"testing"
	"time"

	"mooreactor/storage"
	"mooreactor/types"
)

func buildCheckpointStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore()

	root := NewObject(0, 2)
	root.Name = "System Object"
	root.Flags = ObjectFlags(FlagRead)
	root.Properties["color"] = &Property{
		Name:    "color",
		Value:   types.NewStr("red"),
		Owner:   2,
		Perms:   PropRead | PropWrite,
		Defined: true,
	}
	root.PropOrder = []string{"color"}
	root.PropDefsCount = 1
	greet := &Verb{
		Name:    "greet",
		Names:   []string{"greet", "hello"},
		Owner:   2,
		Perms:   VerbRead | VerbExecute,
		ArgSpec: VerbArgs{This: "this", Prep: "none", That: "none"},
		Code:    []string{"return \"hi\";"},
	}
	root.Verbs["greet"] = greet
	root.VerbList = []*Verb{greet}

	wizard := NewObject(2, 2)
	wizard.Name = "Wizard"
	wizard.Flags = ObjectFlags(FlagUser | FlagProgrammer | FlagWizard)
	wizard.Parents = []types.ObjID{0}
	root.Children = []types.ObjID{2}
	wizard.Properties["color"] = &Property{
		Name:  "color",
		Owner: 2,
		Perms: PropRead | PropWrite,
		Clear: true,
	}
	wizard.PropOrder = []string{"color"}

	if err := store.Add(root); err != nil {
		t.Fatalf("Add(root): %v", err)
	}
	if err := store.Add(wizard); err != nil {
		t.Fatalf("Add(wizard): %v", err)
	}
	return store
}

func TestKVCheckpointRoundTrip(t *testing.T) {
	p, err := storage.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	store := buildCheckpointStore(t)
	kv := NewKVCheckpointer(store, p)
	if err := kv.Save(10, 5*time.Second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := NewKVCheckpointer(nil, p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("expected world state to be present")
	}

	root := loaded.Get(0)
	if root == nil {
		t.Fatalf("object #0 missing after reload")
	}
	if root.Name != "System Object" {
		t.Errorf("root name = %q", root.Name)
	}
	prop := root.Properties["color"]
	if prop == nil || prop.Clear {
		t.Fatalf("root.color missing or clear after reload")
	}
	if s, ok := prop.Value.(types.StrValue); !ok || s.Value() != "red" {
		t.Errorf("root.color = %v, want \"red\"", prop.Value)
	}

	wizard := loaded.Get(2)
	if wizard == nil {
		t.Fatalf("object #2 missing after reload")
	}
	if len(wizard.Parents) != 1 || wizard.Parents[0] != 0 {
		t.Errorf("wizard parents = %v", wizard.Parents)
	}
	wprop := wizard.Properties["color"]
	if wprop == nil || !wprop.Clear {
		t.Errorf("wizard.color should reload as clear, got %+v", wprop)
	}
	if !wizard.Flags.Has(FlagWizard) {
		t.Errorf("wizard flags lost: %v", wizard.Flags)
	}

	verb := root.Verbs["greet"]
	if verb == nil {
		t.Fatalf("greet verb missing after reload")
	}
	if len(verb.Names) != 2 || verb.Names[1] != "hello" {
		t.Errorf("greet names = %v", verb.Names)
	}
	if len(verb.Code) != 1 || verb.Code[0] != "return \"hi\";" {
		t.Errorf("greet code = %v", verb.Code)
	}
	if verb.ArgSpec.This != "this" {
		t.Errorf("greet argspec = %+v", verb.ArgSpec)
	}
	if verb.Program != nil {
		t.Errorf("program should recompile lazily, not reload")
	}

	if loaded.MaxObject() != store.MaxObject() {
		t.Errorf("max obj id = %d, want %d", loaded.MaxObject(), store.MaxObject())
	}
}

func TestKVCheckpointRemovesStaleObjects(t *testing.T) {
	p, err := storage.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	store := buildCheckpointStore(t)
	kv := NewKVCheckpointer(store, p)
	if err := kv.Save(10, 5*time.Second); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	wizard := store.GetUnsafe(2)
	wizard.Recycled = true
	if err := kv.Save(20, 5*time.Second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	loaded, ok, err := NewKVCheckpointer(nil, p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatalf("expected world state to be present")
	}
	if loaded.Get(2) != nil {
		t.Errorf("recycled object #2 survived checkpoint")
	}
	if loaded.Get(0) == nil {
		t.Errorf("object #0 lost")
	}
}

func TestKVCheckpointLoadEmpty(t *testing.T) {
	p, err := storage.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	_, ok, err := NewKVCheckpointer(nil, p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("empty partition should report no world state")
	}
}
