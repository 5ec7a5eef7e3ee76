package convo

import (
	"fmt"
	"strings"
	"time"

	"toolbot/internal/repo"
)

// Fixed replies. Domain errors always surface as a specific sentence, never
// as a failed request.
const (
	replyTryAgain    = "Something went wrong. Try again in a moment."
	replyUnreadable  = "Couldn't read your message. Try again?"
	replyAskJoinCode = "Hey! This is the shared tool line. What's your join code?"
	replyBadJoinCode = "Didn't recognize that code. Double-check it with your manager and try again."
	replyGreeting    = "Hey. What tool do you need?"
	replyThanks      = "\U0001F44D"
	replyDeny        = "Okay, no problem."
	replyNoConfirm   = "Nothing to confirm. What tool do you need?"
	replyPickNumber  = "Reply with a number, e.g. 1."
	replyHelp        = `I track the shared tools. Try "grabbing the ladder", "returning the drill", "who has the saw" or "what's free".`
)

func numberedList(items []string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d) %s\n", i+1, item)
	}
	return strings.TrimRight(b.String(), "\n")
}

func sinceClock(t time.Time) string {
	return t.Format("3:04 PM")
}

func checkoutNames(rows []repo.ActiveCheckout) []string {
	names := make([]string, 0, len(rows))
	for _, c := range rows {
		names = append(names, c.ToolName)
	}
	return names
}

func formatHolders(active []repo.ActiveCheckout) string {
	if len(active) == 0 {
		return "Nothing is checked out right now."
	}
	var b strings.Builder
	b.WriteString("Checked out right now:\n")
	for _, c := range active {
		fmt.Fprintf(&b, "- %s — %s (since %s)\n", c.ToolName, c.Person, sinceClock(c.CheckedOutAt))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatFree(catalog []repo.Tool, active []repo.ActiveCheckout) string {
	held := make(map[string]bool, len(active))
	for _, c := range active {
		held[strings.ToLower(c.ToolName)] = true
	}
	var free []string
	for _, t := range catalog {
		if !held[strings.ToLower(t.Name)] {
			free = append(free, t.Name)
		}
	}
	if len(free) == 0 {
		if len(catalog) == 0 {
			return "The catalog is empty — managers add tools from the dashboard."
		}
		return "Everything is checked out right now."
	}
	var b strings.Builder
	b.WriteString("Free right now:\n")
	for _, name := range free {
		b.WriteString("- " + name + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
