package ugc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCreateValidation(t *testing.T) {
	s := NewService(nil, nil, nil)
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateInput{Title: "ab", Kind: "puzzle"}); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("short title: got %v, want ErrInvalidTitle", err)
	}
	if _, err := s.Create(ctx, CreateInput{Title: "Maze Runner", Kind: "quiz"}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("bad kind: got %v, want ErrInvalidKind", err)
	}
	if _, err := s.Create(ctx, CreateInput{Title: "Win FREE COINS now", Kind: "minigame"}); !errors.Is(err, ErrBlockedContent) {
		t.Fatalf("blocked fragment: got %v, want ErrBlockedContent", err)
	}

	huge := json.RawMessage(`"` + strings.Repeat("x", maxDefinitionBytes) + `"`)
	if _, err := s.Create(ctx, CreateInput{Title: "Maze Runner", Kind: "puzzle", Definition: huge}); !errors.Is(err, ErrDefinitionSize) {
		t.Fatalf("oversized definition: got %v, want ErrDefinitionSize", err)
	}
}

func TestScreenTitle(t *testing.T) {
	if err := screenTitle("Topiary Tetris"); err != nil {
		t.Fatalf("clean title rejected: %v", err)
	}
	if err := screenTitle("visit https://scam.example"); err == nil {
		t.Fatal("expected link title to be rejected")
	}
}
