// Package tui implements the interactive device picker shown when several
// devices are attached and no serial was given on the command line.
package tui

import (
	"errors"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/types"
)

// ErrPickerCancelled indicates the operator dismissed the picker without
// choosing a device.
var ErrPickerCancelled = errors.New("device selection cancelled")

// Hooks swapped in tests so the picker can run without a real terminal.
var (
	listCreatedHook func(*tview.List)
	runApplication  = func(app *tview.Application, root tview.Primitive) error {
		return app.SetRoot(root, true).Run()
	}
)

// selectableAt returns the device at index if it can be picked. Only
// authorized devices are selectable.
func selectableAt(devices []device.Device, index int) (device.Device, bool) {
	if index < 0 || index >= len(devices) {
		return device.Device{}, false
	}
	if devices[index].State != types.StateAttached {
		return device.Device{}, false
	}
	return devices[index], true
}

func deviceRow(dev device.Device) (main, secondary string) {
	switch dev.State {
	case types.StateAttached:
		return fmt.Sprintf("%s %s", SymbolAttached, dev.Serial),
			fmt.Sprintf("   %s", dev.DisplayName)
	case types.StateUnauthorized:
		return fmt.Sprintf("%s %s", SymbolUnauthorized, dev.Serial),
			"   unauthorized: approve USB debugging on the device"
	default:
		return fmt.Sprintf("%s %s", SymbolOffline, dev.Serial),
			fmt.Sprintf("   %s", dev.State)
	}
}

// PickDevice presents the attached devices and returns the chosen one.
// Unauthorized and offline entries are listed but not selectable, so the
// operator sees why a device is missing. Escape or q cancels.
func PickDevice(devices []device.Device) (device.Device, error) {
	if len(devices) == 0 {
		return device.Device{}, fmt.Errorf("no devices to pick from")
	}

	applyTheme()
	app := tview.NewApplication()
	app.EnableMouse(true)

	var (
		chosen   device.Device
		selected bool
	)

	list := tview.NewList().ShowSecondaryText(true)
	// Serials can contain bracketed sequences that tview would treat as
	// style tags.
	list.SetUseStyleTags(false, false)
	list.SetBorder(true).
		SetTitle(" Select device ").
		SetTitleAlign(tview.AlignCenter)

	for _, dev := range devices {
		main, secondary := deviceRow(dev)
		list.AddItem(main, secondary, 0, nil)
	}

	list.SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
		if dev, ok := selectableAt(devices, index); ok {
			chosen = dev
			selected = true
			app.Stop()
		}
	})

	list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	if listCreatedHook != nil {
		listCreatedHook(list)
	}

	if err := runApplication(app, list); err != nil {
		return device.Device{}, fmt.Errorf("device picker failed: %w", err)
	}
	if !selected {
		return device.Device{}, ErrPickerCancelled
	}
	return chosen, nil
}
