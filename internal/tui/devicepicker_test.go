package tui

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"unsafe"

	"github.com/rivo/tview"

	"github.com/droidvault/droidvault/internal/device"
	"github.com/droidvault/droidvault/internal/types"
)

// listSelectedFunc extracts the private selection callback from a tview.List.
func listSelectedFunc(list *tview.List) func(int, string, string, rune) {
	field := reflect.ValueOf(list).Elem().FieldByName("selected")
	ptr := unsafe.Pointer(field.UnsafeAddr())
	return *(*func(int, string, string, rune))(ptr)
}

func withCapturedList(t *testing.T, run func(app *tview.Application, list *tview.List)) {
	t.Helper()
	origHook := listCreatedHook
	origRun := runApplication
	t.Cleanup(func() {
		listCreatedHook = origHook
		runApplication = origRun
	})

	var captured *tview.List
	listCreatedHook = func(l *tview.List) { captured = l }
	runApplication = func(app *tview.Application, root tview.Primitive) error {
		if run != nil {
			run(app, captured)
		}
		return nil
	}
}

func testDevices() []device.Device {
	return []device.Device{
		{Serial: "serial1", DisplayName: "Pixel 7", State: types.StateAttached},
		{Serial: "serial2", DisplayName: "Pixel 8", State: types.StateUnauthorized},
		{Serial: "serial3", DisplayName: "Tablet", State: types.StateOffline},
	}
}

func TestPickDeviceRendersAllStates(t *testing.T) {
	var captured *tview.List
	withCapturedList(t, func(app *tview.Application, list *tview.List) {
		captured = list
	})

	_, err := PickDevice(testDevices())
	if !errors.Is(err, ErrPickerCancelled) {
		t.Fatalf("expected ErrPickerCancelled when nothing selected, got %v", err)
	}
	if captured == nil {
		t.Fatal("list not captured")
	}
	if captured.GetItemCount() != 3 {
		t.Fatalf("item count = %d, want 3", captured.GetItemCount())
	}

	main, secondary := captured.GetItemText(0)
	if !strings.Contains(main, "serial1") || !strings.Contains(secondary, "Pixel 7") {
		t.Errorf("attached row = %q / %q", main, secondary)
	}
	_, secondary = captured.GetItemText(1)
	if !strings.Contains(secondary, "unauthorized") {
		t.Errorf("unauthorized row secondary = %q", secondary)
	}
	_, secondary = captured.GetItemText(2)
	if !strings.Contains(secondary, "offline") {
		t.Errorf("offline row secondary = %q", secondary)
	}
}

func TestPickDeviceSelection(t *testing.T) {
	withCapturedList(t, func(app *tview.Application, list *tview.List) {
		listSelectedFunc(list)(0, "", "", 0)
	})

	chosen, err := PickDevice(testDevices())
	if err != nil {
		t.Fatalf("PickDevice failed: %v", err)
	}
	if chosen.Serial != "serial1" {
		t.Errorf("chosen = %s, want serial1", chosen.Serial)
	}
}

func TestPickDeviceUnauthorizedNotSelectable(t *testing.T) {
	withCapturedList(t, func(app *tview.Application, list *tview.List) {
		listSelectedFunc(list)(1, "", "", 0)
	})

	_, err := PickDevice(testDevices())
	if !errors.Is(err, ErrPickerCancelled) {
		t.Fatalf("selecting an unauthorized device should not pick it, got %v", err)
	}
}

func TestPickDeviceEmpty(t *testing.T) {
	if _, err := PickDevice(nil); err == nil {
		t.Fatal("expected error for empty device list")
	}
}

func TestSelectableAt(t *testing.T) {
	devices := testDevices()
	tests := []struct {
		index int
		want  bool
	}{
		{0, true},
		{1, false},
		{2, false},
		{-1, false},
		{3, false},
	}
	for _, tt := range tests {
		if _, ok := selectableAt(devices, tt.index); ok != tt.want {
			t.Errorf("selectableAt(%d) = %v, want %v", tt.index, ok, tt.want)
		}
	}
}
