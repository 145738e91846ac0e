package layer

import "fmt"

// Mode tags a layer's overlay variant. All variants share the Layer type;
// behaviour that differs per variant lives in the Strategy table.
type Mode string

const (
	Root   Mode = "root"
	Modal  Mode = "modal"
	Drawer Mode = "drawer"
	Popup  Mode = "popup"
	Cover  Mode = "cover"
)

// Dismiss affordances.
const (
	DismissButton  = "button"
	DismissKey     = "key"
	DismissOutside = "outside"
)

// Strategy is the per-mode configuration of a layer.
type Strategy struct {
	Tag         string // container element
	ContentTag  string // content element inside the container
	Size        string
	Dismissable []string
	History     bool // participates in history by default
}

var strategies = map[Mode]Strategy{
	Root: {Tag: "html", ContentTag: "body", History: true},
	Modal: {
		Tag: "up-modal", ContentTag: "up-modal-content", Size: "medium",
		Dismissable: []string{DismissButton, DismissKey, DismissOutside}, History: true,
	},
	Drawer: {
		Tag: "up-drawer", ContentTag: "up-drawer-content", Size: "medium",
		Dismissable: []string{DismissButton, DismissKey, DismissOutside}, History: true,
	},
	Popup: {
		Tag: "up-popup", ContentTag: "up-popup-content", Size: "medium",
		Dismissable: []string{DismissKey, DismissOutside},
	},
	Cover: {
		Tag: "up-cover", ContentTag: "up-cover-content", Size: "full",
		Dismissable: []string{DismissButton, DismissKey}, History: true,
	},
}

// Strategy returns the configuration for m.
func (m Mode) Strategy() (Strategy, bool) {
	s, ok := strategies[m]
	return s, ok
}

// IsOverlay reports whether m is an overlay mode.
func (m Mode) IsOverlay() bool {
	_, ok := strategies[m]
	return ok && m != Root
}

// ParseMode validates an overlay mode name. "" yields Modal.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Modal, nil
	}
	m := Mode(s)
	if !m.IsOverlay() {
		return "", fmt.Errorf("layer: unknown overlay mode %q", s)
	}
	return m, nil
}
