package hotkey

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"go.aimuz.me/macro/event"
)

// ErrInvalidCombo is returned for unparsable hotkey specifications.
var ErrInvalidCombo = errors.New("invalid hotkey")

// Combo is a set of required modifiers plus one trigger key.
type Combo struct {
	Modifiers Modifier
	Trigger   event.Key
}

// keyAliases normalises common spellings of trigger keys.
var keyAliases = map[string]string{
	"escape":     "esc",
	"return":     "enter",
	"spacebar":   "space",
	"del":        "delete",
	"bksp":       "backspace",
	"arrowup":    "up",
	"arrowdown":  "down",
	"arrowleft":  "left",
	"arrowright": "right",
}

// NormalizeKey lower-cases k and resolves aliases.
func NormalizeKey(k string) event.Key {
	k = strings.ToLower(strings.TrimSpace(k))
	if alias, ok := keyAliases[k]; ok {
		k = alias
	}
	return event.Key(k)
}

// ParseCombo parses specs such as "cmd+shift+1" or "Ctrl+Alt+Esc".
// The last element is the trigger; every other element must be a modifier.
func ParseCombo(spec string) (Combo, error) {
	parts := strings.Split(strings.TrimSpace(spec), "+")
	if len(parts) == 0 || strings.TrimSpace(parts[len(parts)-1]) == "" {
		return Combo{}, fmt.Errorf("%w: %q: missing trigger key", ErrInvalidCombo, spec)
	}

	var c Combo
	for _, p := range parts[:len(parts)-1] {
		name := strings.ToLower(strings.TrimSpace(p))
		mod, ok := modifierNames[name]
		if !ok {
			return Combo{}, fmt.Errorf("%w: %q: unknown modifier %q", ErrInvalidCombo, spec, p)
		}
		c.Modifiers |= mod
	}

	c.Trigger = NormalizeKey(parts[len(parts)-1])
	if ModifierOf(c.Trigger) != ModNone {
		return Combo{}, fmt.Errorf("%w: %q: trigger cannot be a modifier", ErrInvalidCombo, spec)
	}
	return c, nil
}

// MustParseCombo is ParseCombo for package-level defaults.
func MustParseCombo(spec string) Combo {
	c, err := ParseCombo(spec)
	if err != nil {
		panic(err)
	}
	return c
}

// IsZero reports whether c is unset.
func (c Combo) IsZero() bool {
	return c.Trigger == ""
}

// Spec returns the lower-case form accepted by ParseCombo.
func (c Combo) Spec() string {
	return strings.Join(c.parts(), "+")
}

// String returns a display label such as "Cmd+Shift+1".
func (c Combo) String() string {
	title := cases.Title(language.English)
	parts := c.parts()
	for i, p := range parts {
		parts[i] = title.String(p)
	}
	return strings.Join(parts, "+")
}

func (c Combo) parts() []string {
	var parts []string
	for _, m := range modifierOrder {
		if c.Modifiers.Has(m.mod) {
			parts = append(parts, m.name)
		}
	}
	return append(parts, string(c.Trigger))
}
