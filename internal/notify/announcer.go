package notify

import (
	"context"
	"fmt"

	kit "dutybot/internal/transport"
	logx "dutybot/pkg/logx"
)

// Announcer posts duty-holder changes to a configured chat. It satisfies the
// duty manager's notifier contract without pulling the transport into the
// duty package.
type Announcer struct {
	svc    *Service
	target kit.ChatTarget
	log    logx.Logger
}

func NewAnnouncer(svc *Service, target kit.ChatTarget, log logx.Logger) *Announcer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Announcer{svc: svc, target: target, log: log}
}

func (a *Announcer) DutyChanged(ctx context.Context, guardName, reason string) {
	if a.svc == nil || a.target.ChatID == 0 {
		return
	}
	text := fmt.Sprintf("On duty now: %s (%s)", guardName, reason)
	err := a.svc.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 5,
		Target:   a.target,
		Text:     text,
	})
	if err != nil {
		a.log.Warn("duty announcement not queued", logx.Err(err), logx.String("guard", guardName))
	}
}
