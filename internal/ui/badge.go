package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/colorkit/calrun/internal/state"
)

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var stateBadges = map[state.State]badgeVariant{
	state.Starting:                 {icon: IconWorking, label: "STARTING", color: BlueColor},
	state.AwaitingInstrumentAction: {icon: IconWaiting, label: "WAITING", color: BlueColor},
	state.Measuring:                {icon: IconWorking, label: "MEASURING", color: AmberColor},
	state.RetryingMisread:          {icon: IconRetry, label: "RETRYING", color: YellowColor},
	state.Completed:                {icon: IconDone, label: "DONE", color: GreenColor},
	state.Failed:                   {icon: IconFailed, label: "FAILED", color: RedColor},
	state.Cancelled:                {icon: IconStopped, label: "CANCELLED", color: GrayColor},
}

// RenderStateBadge renders "icon LABEL" in the color of s.
func RenderStateBadge(s state.State) string {
	variant, ok := stateBadges[s]
	if !ok {
		label := strings.ToUpper(strings.TrimSpace(string(s)))
		if label == "" {
			label = "UNKNOWN"
		}
		variant = badgeVariant{icon: IconAlert, label: label, color: GrayColor}
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(true).
		Render(variant.icon + " " + variant.label)
}
