package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// droidvault color palette
var (
	AccentTeal = tcell.NewRGBColor(13, 148, 136)  // #0D9488
	DimGray    = tcell.NewRGBColor(128, 128, 128) // #808080

	SuccessGreen  = tcell.NewRGBColor(34, 197, 94) // #22C55E
	ErrorRed      = tcell.NewRGBColor(239, 68, 68) // #EF4444
	WarningYellow = tcell.NewRGBColor(234, 179, 8) // #EAB308
)

// Symbols used in list rows.
const (
	SymbolAttached     = "✓"
	SymbolUnauthorized = "⚠"
	SymbolOffline      = "✗"
)

// applyTheme sets the global tview styles for droidvault screens.
func applyTheme() {
	tview.Styles.PrimitiveBackgroundColor = tcell.ColorBlack
	tview.Styles.ContrastBackgroundColor = tcell.ColorBlack
	tview.Styles.BorderColor = AccentTeal
	tview.Styles.TitleColor = AccentTeal
	tview.Styles.GraphicsColor = AccentTeal
	tview.Styles.PrimaryTextColor = tcell.ColorWhite
	tview.Styles.SecondaryTextColor = tcell.ColorLightGray
	tview.Styles.TertiaryTextColor = tcell.ColorGray
	tview.Styles.InverseTextColor = tcell.ColorBlack
}
