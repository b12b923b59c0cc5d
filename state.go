package main

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// StateIntent tags which phase of a channel's lifecycle an UnsignedState
// belongs to, so signature verification and ledger effects can branch on it
// without inspecting the opaque application Data.
type StateIntent uint8

const (
	StateIntentOperate    StateIntent = iota // application-level state update
	StateIntentInitialize                    // first funded state of a channel
	StateIntentResize                        // allocation resize, no application data change
	StateIntentFinalize                      // final state co-signed before on-chain close
)

// UnsignedState is the channel state both participants sign off-chain; its
// Version strictly increases so a later signed state always supersedes an
// earlier one in a dispute.
type UnsignedState struct {
	Intent      StateIntent  `json:"intent"`
	Version     uint64       `json:"version"`
	Data        string       `json:"state_data"`
	Allocations []Allocation `json:"allocations"`
}

// Value marshals the state to JSON for storage in a jsonb column.
func (u UnsignedState) Value() (driver.Value, error) {
	return json.Marshal(u)
}

// Scan unmarshals a jsonb column back into an UnsignedState.
func (u *UnsignedState) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	raw, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, u)
}

// scanBytes normalizes the driver value a jsonb column scan can hand back
// into a byte slice, since drivers are free to return either representation.
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot scan %T into UnsignedState", value)
	}
}

// Allocation is one participant's share of a channel's funds at a given
// state version.
type Allocation struct {
	Participant  string          `json:"destination"`
	TokenAddress string          `json:"token"`
	RawAmount    decimal.Decimal `json:"amount"`
}
