package notify

import (
	"fmt"
	"strings"
	"time"

	"powerwatch"
)

// Transition texts in the voice residents expect. The duration line is
// omitted on a section's first ever transition, where there is no previous
// change to measure from.

func upText(b powerwatch.Building, sectionID int, wasDown time.Duration) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "💡 %s: світло з'явилося!", placeLabel(b, sectionID))
	if wasDown > 0 {
		fmt.Fprintf(&sb, "\nСвітла не було %s.", formatDuration(wasDown))
	}
	return sb.String()
}

func downText(b powerwatch.Building, sectionID int, wasUp time.Duration, electricianPhone string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🕯 %s: світло зникло.", placeLabel(b, sectionID))
	if wasUp > 0 {
		fmt.Fprintf(&sb, "\nСвітло було %s.", formatDuration(wasUp))
	}
	if electricianPhone != "" {
		fmt.Fprintf(&sb, "\nЯкщо світло зникло лише у вашій секції, зателефонуйте електрику: %s", electricianPhone)
	}
	return sb.String()
}

func placeLabel(b powerwatch.Building, sectionID int) string {
	name := b.Name
	if name == "" {
		name = fmt.Sprintf("будинок %d", b.ID)
	}
	if b.Address != "" && b.Address != "-" {
		name = fmt.Sprintf("%s (%s)", name, b.Address)
	}
	if b.SectionsCount > 1 {
		return fmt.Sprintf("%s, секція %d", name, sectionID)
	}
	return name
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "менше хвилини"
	}
	minutes := int(d.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d хв", minutes)
	}
	hours := minutes / 60
	minutes %= 60
	if minutes == 0 {
		return fmt.Sprintf("%d год", hours)
	}
	return fmt.Sprintf("%d год %d хв", hours, minutes)
}
