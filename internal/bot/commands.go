package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dutybot/internal/clock"
	"dutybot/internal/credit"
	"dutybot/internal/duty"
	"dutybot/internal/storage"
	"dutybot/internal/transfer"
	kit "dutybot/internal/transport"
	logx "dutybot/pkg/logx"
	"dutybot/pkg/tgui"
)

// Deps carries the services the command handlers call into.
type Deps struct {
	Store       storage.Store
	Manager     *duty.Manager
	Workflow    *transfer.Workflow
	Distributor *credit.Distributor
	Clock       clock.Clock
	Log         logx.Logger
}

const callbackScope = "transfer"

// Register builds the command and callback registry and installs it on the
// router.
func Register(r *Router, d Deps) {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	cmds := []Command{
		{
			Name:        "duty",
			Description: "who is on duty right now",
			Usage:       "/duty",
			Handle:      d.cmdDuty,
		},
		{
			Name:        "roster",
			Description: "guards with accrued and projected credit",
			Usage:       "/roster",
			Handle:      d.cmdRoster,
		},
		{
			Name:        "takeover",
			Description: "request the duty for yourself",
			Usage:       "/takeover",
			Handle:      d.cmdTakeover,
		},
		{
			Name:        "pending",
			Description: "handoff requests waiting for you",
			Usage:       "/pending",
			Handle:      d.cmdPending,
		},
		{
			Name:        "override",
			Description: "pin or clear a week's duty-holder",
			Usage:       "/override <week> <guard|clear> [remark]",
			Access:      AccessOwnerOnly,
			Handle:      d.cmdOverride,
		},
		{
			Name:        "redistribute",
			Description: "redistribute the projected year-end credit",
			Usage:       "/redistribute",
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Second,
			Handle:      d.cmdRedistribute,
		},
	}
	cbs := []CallbackRoute{
		{Scope: callbackScope, Action: "accept", Handle: d.cbRespond(true)},
		{Scope: callbackScope, Action: "reject", Handle: d.cbRespond(false)},
	}
	r.SetRegistry(cmds, cbs)
}

func (d Deps) cmdDuty(ctx context.Context, req *Request) error {
	dec, err := d.Manager.ResolveNow(ctx)
	if err != nil {
		if errors.Is(err, duty.ErrNoGuards) {
			return reply(ctx, req, "the roster is empty, nobody is on duty")
		}
		return replyErr(ctx, req, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "On duty: %s (%s), week %d/%d", dec.Guard.Name, dec.Source, dec.Week, dec.Year)
	if dec.Source != duty.SourceAutomatic && dec.RotationGuard.ID != dec.Guard.ID {
		fmt.Fprintf(&b, "\nRotation would pick: %s", dec.RotationGuard.Name)
	}
	return reply(ctx, req, b.String())
}

func (d Deps) cmdRoster(ctx context.Context, req *Request) error {
	roster, err := d.Store.Roster(ctx)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	if len(roster) == 0 {
		return reply(ctx, req, "the roster is empty")
	}

	var b strings.Builder
	b.WriteString("Roster:\n")
	for _, g := range roster {
		mark := " "
		if g.Active {
			mark = "*"
		}
		fmt.Fprintf(&b, "%s %s", mark, g.Name)
		if g.ContactHandle != "" {
			fmt.Fprintf(&b, " (@%s)", g.ContactHandle)
		}
		fmt.Fprintf(&b, " - accrued %d, projected %d\n", g.AccruedCredit, g.ProjectedCredit)
	}
	return reply(ctx, req, b.String())
}

func (d Deps) cmdTakeover(ctx context.Context, req *Request) error {
	me, err := d.senderGuard(ctx, req)
	if err != nil {
		return reply(ctx, req, "you are not on the roster")
	}

	out, err := d.Workflow.Request(ctx, me.ID)
	if err != nil {
		if errors.Is(err, duty.ErrInvalidRequest) {
			return reply(ctx, req, "you are not on the roster")
		}
		return replyErr(ctx, req, err)
	}
	if out.Applied {
		return reply(ctx, req, "the duty is yours")
	}

	approver, err := d.Store.GuardByID(ctx, out.Request.ApproverID)
	if err != nil {
		return replyErr(ctx, req, err)
	}

	kb := tgui.NewInline().
		Row(
			tgui.Btn("Approve", tgui.Data(callbackScope, "accept", out.Request.ID)),
			tgui.Btn("Reject", tgui.Data(callbackScope, "reject", out.Request.ID)),
		)
	text := fmt.Sprintf("%s requests the duty. %s, approve or reject.", me.Name, mention(approver))
	_, err = req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ReplyMarkupAdapter: kb.Markup()})
	return err
}

func (d Deps) cmdPending(ctx context.Context, req *Request) error {
	me, err := d.senderGuard(ctx, req)
	if err != nil {
		return reply(ctx, req, "you are not on the roster")
	}
	pend := d.Workflow.PendingFor(me.ID)
	if len(pend) == 0 {
		return reply(ctx, req, "nothing waiting for you")
	}
	var b strings.Builder
	b.WriteString("Waiting for your decision:\n")
	for _, p := range pend {
		requester, err := d.Store.GuardByID(ctx, p.RequesterID)
		name := "unknown"
		if err == nil {
			name = requester.Name
		}
		fmt.Fprintf(&b, "%s from %s (requested %s)\n", p.ID, name, p.CreatedAt.Format("Jan 2 15:04"))
	}
	return reply(ctx, req, b.String())
}

func (d Deps) cbRespond(accept bool) CallbackHandlerFunc {
	return func(ctx context.Context, req *Request, payload string) error {
		me, err := d.senderGuard(ctx, req)
		if err != nil {
			return reply(ctx, req, "you are not on the roster")
		}

		res, err := d.Workflow.Respond(ctx, payload, me.ID, accept)
		if err != nil {
			if errors.Is(err, duty.ErrInvalidRequest) {
				return reply(ctx, req, "this request is not yours to decide, or it is already settled")
			}
			return replyErr(ctx, req, err)
		}

		requester, rerr := d.Store.GuardByID(ctx, res.RequesterID)
		name := "the requester"
		if rerr == nil {
			name = requester.Name
		}
		if accept {
			return reply(ctx, req, fmt.Sprintf("approved, %s is on duty now", name))
		}
		return reply(ctx, req, fmt.Sprintf("rejected, %s keeps waiting for the rotation", name))
	}
}

func (d Deps) cmdOverride(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return reply(ctx, req, "usage: /override <week> <guard|clear> [remark]")
	}
	week, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return reply(ctx, req, "week must be a number (1..53)")
	}
	year := overrideYear(d.Clock.Now(), week)

	target := req.Args[1]
	if strings.EqualFold(target, "clear") {
		if err := d.Manager.ClearWeekOverride(ctx, year, week); err != nil {
			return replyErr(ctx, req, err)
		}
		return reply(ctx, req, fmt.Sprintf("override for week %d cleared", week))
	}

	g, err := d.guardByNameOrHandle(ctx, target)
	if err != nil {
		return reply(ctx, req, fmt.Sprintf("no guard named %q", target))
	}
	remark := strings.Join(req.Args[2:], " ")
	if err := d.Manager.SetWeeklyOverride(ctx, year, week, &g.ID, remark); err != nil {
		if errors.Is(err, duty.ErrInvalidRequest) {
			return reply(ctx, req, "week must be within 1..53")
		}
		return replyErr(ctx, req, err)
	}
	return reply(ctx, req, fmt.Sprintf("week %d pinned to %s", week, g.Name))
}

func (d Deps) cmdRedistribute(ctx context.Context, req *Request) error {
	shares, err := d.Distributor.Redistribute(ctx, d.Clock.Now())
	if err != nil {
		if errors.Is(err, duty.ErrNoGuards) {
			return reply(ctx, req, "the roster is empty")
		}
		return replyErr(ctx, req, err)
	}

	roster, err := d.Store.Roster(ctx)
	if err != nil {
		return replyErr(ctx, req, err)
	}
	var b strings.Builder
	b.WriteString("Projected year-end credit, redistributed:\n")
	for _, g := range roster {
		fmt.Fprintf(&b, "%s: %d\n", g.Name, shares[g.ID])
	}
	return reply(ctx, req, b.String())
}

// overrideYear picks the ISO year the requested week refers to: the
// occurrence nearest the current week. Pinning week 1 in late December
// targets the next ISO year; pinning week 52 in early January targets the
// year that just ended.
func overrideYear(now time.Time, week int) int {
	year, cur := now.ISOWeek()
	switch d := week - cur; {
	case d > 26:
		return year - 1
	case d < -26:
		return year + 1
	default:
		return year
	}
}

// senderGuard maps the telegram sender to a roster guard via the contact
// handle. Unknown senders are rejected by the callers.
func (d Deps) senderGuard(ctx context.Context, req *Request) (storage.Guard, error) {
	handle := strings.TrimSpace(req.FromName)
	if handle == "" {
		return storage.Guard{}, duty.ErrInvalidRequest
	}
	return d.Store.GuardByHandle(ctx, handle)
}

func (d Deps) guardByNameOrHandle(ctx context.Context, s string) (storage.Guard, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	if g, err := d.Store.GuardByHandle(ctx, s); err == nil {
		return g, nil
	}
	roster, err := d.Store.Roster(ctx)
	if err != nil {
		return storage.Guard{}, err
	}
	for _, g := range roster {
		if strings.EqualFold(g.Name, s) {
			return g, nil
		}
	}
	return storage.Guard{}, storage.ErrNotFound
}

func mention(g storage.Guard) string {
	if g.ContactHandle != "" {
		return "@" + g.ContactHandle
	}
	return g.Name
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func replyErr(ctx context.Context, req *Request, err error) error {
	_ = reply(ctx, req, "something went wrong, try again later")
	return err
}
