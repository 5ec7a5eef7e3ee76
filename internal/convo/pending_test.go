package convo

import (
	"testing"

	"toolbot/internal/repo"
)

func TestScrapePendingNumberedList(t *testing.T) {
	history := []repo.ChatMessage{
		{Role: repo.RoleUser, Content: "grabbing the drill"},
		{Role: repo.RoleAssistant, Content: "Which one?\n1) Dewalt Drill\n2) Makita Drill"},
	}

	p := scrapePending(history)
	if p == nil {
		t.Fatal("expected pending from numbered list")
	}
	if len(p.Candidates) != 2 || p.Candidates[0] != "Dewalt Drill" || p.Candidates[1] != "Makita Drill" {
		t.Fatalf("unexpected candidates: %+v", p.Candidates)
	}
}

func TestScrapePendingDoYouMean(t *testing.T) {
	history := []repo.ChatMessage{
		{Role: repo.RoleAssistant, Content: "Do you mean the Dewalt Drill?"},
	}

	p := scrapePending(history)
	if p == nil || len(p.Candidates) != 1 || p.Candidates[0] != "Dewalt Drill" {
		t.Fatalf("unexpected pending: %+v", p)
	}
}

func TestScrapePendingUsesLatestAssistantTurn(t *testing.T) {
	history := []repo.ChatMessage{
		{Role: repo.RoleAssistant, Content: "Which one?\n1) Dewalt Drill\n2) Makita Drill"},
		{Role: repo.RoleUser, Content: "actually never mind"},
		{Role: repo.RoleAssistant, Content: "Okay, no problem."},
	}

	if p := scrapePending(history); p != nil {
		t.Fatalf("a later plain reply must clear scraping, got %+v", p)
	}
}

func TestScrapePendingEmptyHistory(t *testing.T) {
	if p := scrapePending(nil); p != nil {
		t.Fatalf("expected nil, got %+v", p)
	}
}
