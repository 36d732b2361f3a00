// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ConversationRow is one line of a conversation listing.
type ConversationRow struct {
	ID           string
	Title        string
	MessageCount int
	LastActivity time.Time
	Active       bool
}

// TranscriptMessage is one message of a rendered conversation.
type TranscriptMessage struct {
	Role    string
	Content string
	Status  string
}

// ChatHeader prints the banner shown when an interactive chat begins.
func ChatHeader(w io.Writer, mode, baseURL, conversationID string) {
	switch GetPersonality() {
	case PersonalityMachine:
		fmt.Fprintf(w, "MODE: %s\n", mode)
		if conversationID != "" {
			fmt.Fprintf(w, "CONVERSATION: %s\n", conversationID)
		}
	case PersonalityMinimal:
		fmt.Fprintf(w, "deepen %s (%s)\n", mode, baseURL)
	default:
		lines := []string{
			Styles.Muted.Render("server  ") + baseURL,
		}
		if conversationID != "" {
			lines = append(lines, Styles.Muted.Render("resume  ")+conversationID)
		}
		lines = append(lines, Styles.Muted.Render("Ctrl-C stops a reply · /exit quits"))
		Box(w, "Deepen "+mode, strings.Join(lines, "\n"))
	}
}

// Prompt returns the input prompt for the current personality. Machine
// output has none.
func Prompt() string {
	switch GetPersonality() {
	case PersonalityFull:
		return Styles.Highlight.Render("> ")
	case PersonalityMachine:
		return ""
	default:
		return "> "
	}
}

// ConversationList prints conversations, most recent first as given.
func ConversationList(w io.Writer, rows []ConversationRow, now time.Time) {
	personality := GetPersonality()
	if len(rows) == 0 {
		if personality == PersonalityMachine {
			fmt.Fprintln(w, "CONVERSATIONS: 0")
			return
		}
		Muted(w, "No conversations yet.")
		return
	}

	for _, row := range rows {
		switch personality {
		case PersonalityMachine:
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", row.ID, row.MessageCount,
				formatTimestamp(row.LastActivity), row.Title)
		case PersonalityMinimal:
			marker := " "
			if row.Active {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s  %s (%d messages, %s)\n", marker, row.ID, row.Title,
				row.MessageCount, formatRelativeTime(row.LastActivity, now))
		default:
			marker := IconBullet.Render()
			if row.Active {
				marker = Styles.Highlight.Render(string(IconArrow))
			}
			fmt.Fprintf(w, "%s %s %s\n  %s\n", marker, Styles.Bold.Render(row.Title),
				Styles.Muted.Render(formatRelativeTime(row.LastActivity, now)),
				Styles.Muted.Render(fmt.Sprintf("%s · %d messages", row.ID, row.MessageCount)))
		}
	}
}

// Transcript prints a conversation's messages in order.
func Transcript(w io.Writer, id, title string, msgs []TranscriptMessage) {
	personality := GetPersonality()
	switch personality {
	case PersonalityMachine:
		fmt.Fprintf(w, "CONVERSATION: %s\n", id)
		fmt.Fprintf(w, "TITLE: %s\n", title)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s (%s)\n\n", title, id)
	default:
		Title(w, title)
		Muted(w, id)
		fmt.Fprintln(w)
	}

	for _, m := range msgs {
		switch personality {
		case PersonalityMachine:
			fmt.Fprintf(w, "%s: %s\n", strings.ToUpper(m.Role), oneLine(m.Content))
		case PersonalityMinimal:
			fmt.Fprintf(w, "[%s%s] %s\n\n", m.Role, statusSuffix(m.Status), m.Content)
		default:
			label := Styles.Subtitle.Render(m.Role)
			if m.Role == "user" {
				label = Styles.User.Render("you")
			}
			if suffix := statusSuffix(m.Status); suffix != "" {
				label += Styles.Warning.Render(suffix)
			}
			fmt.Fprintf(w, "%s\n%s\n\n", label, m.Content)
		}
	}
}

func statusSuffix(status string) string {
	switch status {
	case "", "sent":
		return ""
	default:
		return " (" + status + ")"
	}
}

func oneLine(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// formatRelativeTime renders t relative to now, e.g. "2h ago". Times
// older than four weeks show the date.
func formatRelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "min")
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day")
	case diff < 30*24*time.Hour:
		return plural(int(diff.Hours()/(24*7)), "week")
	}
	return t.Format("Jan 2, 2006")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s ago", unit)
	}
	return fmt.Sprintf("%d %ss ago", n, unit)
}
