package mint

import (
	"encoding/json"

	"mintsync/internal/jsonrpc"
)

// Proof states reported by /v1/checkstate and proof_state notifications
const (
	StateUnspent = "UNSPENT"
	StatePending = "PENDING"
	StateSpent   = "SPENT"
)

// Info is the subset of /v1/info the wallet sync core needs
type Info struct {
	Name    string                     `json:"name,omitempty"`
	Pubkey  string                     `json:"pubkey,omitempty"`
	Version string                     `json:"version,omitempty"`
	Nuts    map[string]json.RawMessage `json:"nuts,omitempty"`
}

// NotificationSupport is one entry of the NUT-17 supported list
type NotificationSupport struct {
	Method   string   `json:"method,omitempty"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}

type nut17Settings struct {
	Supported []NotificationSupport `json:"supported"`
}

// NotificationSupport returns the NUT-17 entries advertised by the mint
func (i *Info) NotificationSupport() []NotificationSupport {
	raw, ok := i.Nuts["17"]
	if !ok {
		return nil
	}
	var settings nut17Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil
	}
	return settings.Supported
}

// SupportsNotifications reports whether the mint advertises websocket
// notifications for unit covering every given kind
func (i *Info) SupportsNotifications(unit string, kinds ...jsonrpc.Kind) bool {
	for _, entry := range i.NotificationSupport() {
		if entry.Unit != unit {
			continue
		}
		commands := make(map[string]struct{}, len(entry.Commands))
		for _, c := range entry.Commands {
			commands[c] = struct{}{}
		}
		all := true
		for _, k := range kinds {
			if _, ok := commands[string(k)]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// QuoteStatePayload is the part of a mint or melt quote the watchers read
type QuoteStatePayload struct {
	Quote string `json:"quote"`
	State string `json:"state"`
}

// ProofStatePayload is one entry of /v1/checkstate and the payload of proof_state notifications
type ProofStatePayload struct {
	Y       string  `json:"Y"`
	State   string  `json:"state"`
	Witness *string `json:"witness,omitempty"`
}

type checkStateRequest struct {
	Ys []string `json:"Ys"`
}

type checkStateResponse struct {
	States []ProofStatePayload `json:"states"`
}
