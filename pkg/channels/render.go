package channels

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dev-adhiraj/be-better/pkg/approval"
	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// payloadView decodes the union of every approval payload the broker
// mirrors. Unused fields stay empty.
type payloadView struct {
	Origin    string                  `json:"origin"`
	Accounts  []string                `json:"accounts"`
	Selected  string                  `json:"selected"`
	From      string                  `json:"from"`
	To        string                  `json:"to"`
	Amount    string                  `json:"amount"`
	Ticker    string                  `json:"ticker"`
	ChainID   string                  `json:"chainId"`
	ChainName string                  `json:"chainName"`
	Gas       uint64                  `json:"gas"`
	GasPrices map[string]string       `json:"gasPrices"`
	Call      *blockchain.CallSummary `json:"call"`
	Method    string                  `json:"method"`
	Address   string                  `json:"address"`
	Message   string                  `json:"message"`
	Text      string                  `json:"text"`
	TypedData struct {
		PrimaryType string `json:"primaryType"`
		Domain      struct {
			Name string `json:"name"`
		} `json:"domain"`
	} `json:"typedData"`
}

// Describe renders a pending record as plain text for approval surfaces.
func Describe(rec storage.PendingRecord) string {
	var v payloadView
	_ = json.Unmarshal(rec.Payload, &v)

	var sb strings.Builder
	switch approval.Kind(rec.Kind) {
	case approval.KindConnect:
		fmt.Fprintf(&sb, "Connection request from %s\n", rec.Origin)
		if v.Selected != "" {
			fmt.Fprintf(&sb, "Account: %s\n", v.Selected)
		}
		if len(v.Accounts) > 1 {
			fmt.Fprintf(&sb, "Held accounts: %d\n", len(v.Accounts))
		}
	case approval.KindTransaction:
		fmt.Fprintf(&sb, "Transaction from %s\n", rec.Origin)
		fmt.Fprintf(&sb, "Chain: %s (%s)\n", v.ChainName, v.ChainID)
		fmt.Fprintf(&sb, "From: %s\n", v.From)
		if v.To != "" {
			fmt.Fprintf(&sb, "To: %s\n", v.To)
		} else {
			sb.WriteString("To: contract creation\n")
		}
		fmt.Fprintf(&sb, "Amount: %s %s\n", v.Amount, v.Ticker)
		if v.Call != nil {
			fmt.Fprintf(&sb, "Call: %s.%s\n", v.Call.Contract, v.Call.Method)
			keys := make([]string, 0, len(v.Call.Args))
			for k := range v.Call.Args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, "  %s: %s\n", k, v.Call.Args[k])
			}
		}
		fmt.Fprintf(&sb, "Gas limit: %d\n", v.Gas)
		for _, tier := range []blockchain.GasTier{blockchain.GasLow, blockchain.GasMedium, blockchain.GasHigh} {
			if p, ok := v.GasPrices[string(tier)]; ok {
				fmt.Fprintf(&sb, "Gas price %s: %s wei\n", tier, p)
			}
		}
	case approval.KindSign:
		fmt.Fprintf(&sb, "Signature request (%s) from %s\n", v.Method, rec.Origin)
		fmt.Fprintf(&sb, "Account: %s\n", v.Address)
		switch {
		case v.TypedData.PrimaryType != "":
			fmt.Fprintf(&sb, "Typed data: %s", v.TypedData.PrimaryType)
			if v.TypedData.Domain.Name != "" {
				fmt.Fprintf(&sb, " for %s", v.TypedData.Domain.Name)
			}
			sb.WriteString("\n")
		case v.Text != "":
			fmt.Fprintf(&sb, "Message: %s\n", v.Text)
		default:
			fmt.Fprintf(&sb, "Message: %s\n", v.Message)
		}
	default:
		fmt.Fprintf(&sb, "%s request from %s\n", rec.Method, rec.Origin)
	}
	if !rec.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Expires: %s\n", rec.ExpiresAt.Local().Format(time.TimeOnly))
	}
	fmt.Fprintf(&sb, "ID: %s", rec.ID)
	return sb.String()
}

// IsTransaction reports whether rec takes a gas tier.
func IsTransaction(rec storage.PendingRecord) bool {
	return approval.Kind(rec.Kind) == approval.KindTransaction
}
