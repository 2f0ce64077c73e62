package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/dev-adhiraj/be-better/pkg/blockchain"
	"github.com/dev-adhiraj/be-better/pkg/bridge"
	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/channels"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

const approveHelp = "[yellow]a[-] approve  [yellow]l/m/h[-] approve with low/medium/high gas  [yellow]r[-] reject  [yellow]q[-] quit"

func newApproveCommand() *cobra.Command {
	var interval time.Duration
	c := &cobra.Command{
		Use:   "approve",
		Short: "Interactive approval console for a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := relayClient()
			if err != nil {
				return err
			}
			return runApproveUI(cmd.Context(), client, interval)
		},
	}
	c.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return c
}

// pendingQueue is the list shown by the approval console. It keeps the
// selection on the same request across refreshes.
type pendingQueue struct {
	recs     []storage.PendingRecord
	selected string
}

func (q *pendingQueue) update(recs []storage.PendingRecord) {
	q.recs = recs
	if q.index(q.selected) < 0 {
		q.selected = ""
		if len(recs) > 0 {
			q.selected = recs[0].ID
		}
	}
}

func (q *pendingQueue) index(id string) int {
	for i, r := range q.recs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (q *pendingQueue) selectIndex(i int) {
	if i >= 0 && i < len(q.recs) {
		q.selected = q.recs[i].ID
	}
}

func (q *pendingQueue) current() (storage.PendingRecord, bool) {
	i := q.index(q.selected)
	if i < 0 {
		return storage.PendingRecord{}, false
	}
	return q.recs[i], true
}

// decisionForKey maps a console key to a decision on rec.
func decisionForKey(key rune, rec storage.PendingRecord) (broker.Decision, bool) {
	d := broker.Decision{ID: rec.ID}
	switch key {
	case 'a':
		d.Approved = true
	case 'l', 'm', 'h':
		if !channels.IsTransaction(rec) {
			return d, false
		}
		d.Approved = true
		d.GasTier = string(map[rune]blockchain.GasTier{
			'l': blockchain.GasLow,
			'm': blockchain.GasMedium,
			'h': blockchain.GasHigh,
		}[key])
	case 'r':
	default:
		return d, false
	}
	return d, true
}

func runApproveUI(ctx context.Context, client *bridge.ApprovalClient, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app := tview.NewApplication()
	queue := &pendingQueue{}

	list := tview.NewList().ShowSecondaryText(true)
	list.SetBorder(true).SetTitle(" Pending ")
	detail := tview.NewTextView().SetWrap(true)
	detail.SetBorder(true).SetTitle(" Request ")
	status := tview.NewTextView().SetDynamicColors(true).SetText(approveHelp)

	render := func() {
		want := queue.selected
		list.Clear()
		for _, r := range queue.recs {
			list.AddItem(fmt.Sprintf("%s  %s", r.Kind, r.Origin), r.Method+"  "+r.ID, 0, nil)
		}
		if i := queue.index(want); i >= 0 {
			list.SetCurrentItem(i)
			queue.selected = want
		}
		if rec, ok := queue.current(); ok {
			detail.SetText(channels.Describe(rec))
		} else {
			detail.SetText("No pending requests.")
		}
	}

	list.SetChangedFunc(func(index int, _ string, _ string, _ rune) {
		queue.selectIndex(index)
		if rec, ok := queue.current(); ok {
			detail.SetText(channels.Describe(rec))
		}
	})

	refresh := func() {
		recs, err := client.ListPending(ctx)
		app.QueueUpdateDraw(func() {
			if err != nil {
				status.SetText(fmt.Sprintf("[red]%v[-]  %s", err, approveHelp))
				return
			}
			queue.update(recs)
			render()
		})
	}

	app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() != tcell.KeyRune {
			return ev
		}
		if ev.Rune() == 'q' {
			app.Stop()
			return nil
		}
		rec, ok := queue.current()
		if !ok {
			return ev
		}
		d, ok := decisionForKey(ev.Rune(), rec)
		if !ok {
			return ev
		}
		go func() {
			err := client.Decide(ctx, d)
			app.QueueUpdateDraw(func() {
				switch {
				case errors.Is(err, broker.ErrAlreadyResolved):
					status.SetText(fmt.Sprintf("[yellow]%s was already resolved[-]", d.ID))
				case err != nil:
					status.SetText(fmt.Sprintf("[red]%s: %v[-]", d.ID, err))
				case d.Approved:
					status.SetText(fmt.Sprintf("[green]Approved %s[-]", d.ID))
				default:
					status.SetText(fmt.Sprintf("[yellow]Rejected %s[-]", d.ID))
				}
			})
			refresh()
		}()
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	body := tview.NewFlex().
		AddItem(list, 0, 1, true).
		AddItem(detail, 0, 2, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(status, 1, 0, false)

	return app.SetRoot(root, true).Run()
}
