// Package fantasy stores roleplay scenario cards as one JSON file per
// card. A card carries the persona system prompt and the display names
// used when rendering the conversation.
package fantasy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrCardNotFound reports a lookup for an unknown card ID.
var ErrCardNotFound = errors.New("fantasy card not found")

// Card is one roleplay scenario.
type Card struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
	UserName     string `json:"user_name,omitempty"`
	AIName       string `json:"ai_name,omitempty"`

	// Sampling overrides; zero values mean "use the configured default".
	Temperature   float64 `json:"temperature,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages the card directory.
type Store struct {
	dir string
}

// NewStore opens (creating if needed) the card directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fantasy directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// List returns all cards sorted by name.
func (s *Store) List() ([]*Card, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read fantasy directory: %w", err)
	}

	var cards []*Card
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		card, err := s.readCard(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			// A damaged card should not hide the rest.
			continue
		}
		cards = append(cards, card)
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards, nil
}

// Get loads one card by ID.
func (s *Store) Get(id string) (*Card, error) {
	card, err := s.readCard(s.cardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return card, nil
}

// Save persists a card, assigning an ID on first save. Returns the
// stored card.
func (s *Store) Save(card *Card) (*Card, error) {
	if strings.TrimSpace(card.Name) == "" {
		return nil, fmt.Errorf("fantasy card needs a name")
	}

	now := time.Now()
	if card.ID == "" {
		card.ID = uuid.New().String()
		card.CreatedAt = now
	} else if card.CreatedAt.IsZero() {
		if existing, err := s.Get(card.ID); err == nil {
			card.CreatedAt = existing.CreatedAt
		} else {
			card.CreatedAt = now
		}
	}
	card.UpdatedAt = now

	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode fantasy card: %w", err)
	}
	if err := os.WriteFile(s.cardPath(card.ID), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write fantasy card: %w", err)
	}
	return card, nil
}

// Delete removes a card.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.cardPath(id))
	if os.IsNotExist(err) {
		return ErrCardNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete fantasy card: %w", err)
	}
	return nil
}

func (s *Store) cardPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readCard(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, fmt.Errorf("failed to decode fantasy card %s: %w", path, err)
	}
	return &card, nil
}
