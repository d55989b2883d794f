package indexing

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Action is the closed set of sync actions a record can propose or confirm.
type Action uint8

const (
	ActionNone Action = iota
	ActionUpsert
	ActionDelete
)

var actionNames = [...]string{
	ActionNone:   "no_action",
	ActionUpsert: "upsert",
	ActionDelete: "delete",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

func (a Action) Valid() bool { return int(a) < len(actionNames) }

func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "no_action", "none":
		return ActionNone, nil
	case "upsert":
		return ActionUpsert, nil
	case "delete":
		return ActionDelete, nil
	default:
		return ActionNone, fmt.Errorf("unknown action %q", raw)
	}
}

// Value stores the action by name so rows stay readable in SQL.
func (a Action) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid action %d", uint8(a))
	}
	return a.String(), nil
}

func (a *Action) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*a = ActionNone
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Action", src)
	}
	parsed, err := ParseAction(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
