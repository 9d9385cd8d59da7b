package fantasy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAssignsID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	card, err := store.Save(&Card{
		Name:         "Village Guardian",
		SystemPrompt: "You guard a small mountain village.",
		AIName:       "Mira",
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if card.ID == "" {
		t.Fatal("expected an assigned ID")
	}
	if card.CreatedAt.IsZero() || card.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	loaded, err := store.Get(card.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Name != "Village Guardian" || loaded.AIName != "Mira" {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
}

func TestSaveKeepsIDOnUpdate(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	card, err := store.Save(&Card{Name: "Original", SystemPrompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	card.Name = "Renamed"
	updated, err := store.Save(card)
	if err != nil {
		t.Fatal(err)
	}
	if updated.ID != card.ID {
		t.Error("update must keep the ID")
	}

	cards, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 || cards[0].Name != "Renamed" {
		t.Errorf("expected single renamed card, got %+v", cards)
	}
}

func TestListSortedByName(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Zephyr", "Aldric", "Mira"} {
		if _, err := store.Save(&Card{Name: name, SystemPrompt: "p"}); err != nil {
			t.Fatal(err)
		}
	}

	cards, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	if cards[0].Name != "Aldric" || cards[2].Name != "Zephyr" {
		t.Errorf("cards not sorted by name: %s, %s, %s",
			cards[0].Name, cards[1].Name, cards[2].Name)
	}
}

func TestListSkipsDamagedCard(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(&Card{Name: "Good", SystemPrompt: "p"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	cards, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 1 || cards[0].Name != "Good" {
		t.Errorf("damaged card should be skipped, got %+v", cards)
	}
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	card, err := store.Save(&Card{Name: "Ephemeral", SystemPrompt: "p"})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(card.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(card.ID); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("expected ErrCardNotFound, got %v", err)
	}
	if err := store.Delete(card.ID); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("double delete should report ErrCardNotFound, got %v", err)
	}
}

func TestSaveRequiresName(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(&Card{SystemPrompt: "p"}); err == nil {
		t.Fatal("expected error for unnamed card")
	}
}
