package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/teranos/tabhub/internal/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(port, healthPort int) {
	info := version.Get()

	pterm.DefaultBox.
		WithTitle("tabhub").
		WithTitleTopCenter().
		Println(fmt.Sprintf("Browser automation relay hub\nVersion %s (commit %s)", info.Version, info.Short()))

	pterm.Info.Printf("Hub port:    %d\n", port)
	if healthPort > 0 {
		pterm.Info.Printf("Health port: %d\n", healthPort)
	}
	pterm.Info.Println("Press Ctrl+C to stop")
}
