package broker

import "encoding/json"

// Request is the envelope a provider sends through the relay. Origin is a
// hint from the page and is only logged; the relay supplies the real origin.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Origin string          `json:"origin,omitempty"`
}

// Response correlates with Request by ID. Exactly one of Result and Error
// is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event names pushed to pages.
const (
	EventAccountsChanged      = "accountsChanged"
	EventChainChanged         = "chainChanged"
	EventTransactionConfirmed = "transactionConfirmed"
)

// Event is a push notification to pages.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// TxConfirmation is the payload of transactionConfirmed.
type TxConfirmation struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

// Receipt outcomes carried by TxConfirmation.
const (
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

func accountsChanged(accounts []string) Event {
	if accounts == nil {
		accounts = []string{}
	}
	return Event{Name: EventAccountsChanged, Data: accounts}
}

func chainChanged(hex string) Event {
	return Event{Name: EventChainChanged, Data: hex}
}

// Notifier delivers events to pages. NotifyOrigin must reach only pages of
// that origin.
type Notifier interface {
	NotifyOrigin(origin string, ev Event)
	Broadcast(ev Event)
}

type nopNotifier struct{}

func (nopNotifier) NotifyOrigin(string, Event) {}
func (nopNotifier) Broadcast(Event)            {}
