package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// refreshReasonLocked evaluates the session refresh policy. Caller
// holds st.mu. Returns "" when the cached session may be reused.
func (x *Executor) refreshReasonLocked(ctx context.Context, st *agentState, agent store.Agent) string {
	if st.session == nil {
		return ""
	}
	if st.staleAfterRun {
		return fmt.Sprintf("context length exceeded %d", agent.MaxContextLen)
	}

	now := x.now()

	// Daily reset: refresh once the wall-clock moment (boss timezone)
	// has been crossed since the session was created.
	if agent.DailyResetAt != "" {
		loc, err := x.store.BossLocation(ctx)
		if err == nil {
			if reset, ok := lastResetBefore(agent.DailyResetAt, now, loc); ok &&
				st.sessionCreatedAt.Before(reset) {
				return "daily reset " + agent.DailyResetAt
			}
		}
	}

	// Idle timeout since the last completed run.
	if agent.IdleTimeoutMS > 0 && !st.lastRunCompletedAt.IsZero() {
		idle := now.Sub(st.lastRunCompletedAt)
		if idle > time.Duration(agent.IdleTimeoutMS)*time.Millisecond {
			return fmt.Sprintf("idle for %s", idle.Truncate(time.Second))
		}
	}

	return ""
}

// lastResetBefore returns the most recent occurrence of the "HH:MM"
// wall-clock moment at or before now in loc. ok is false when the
// "HH:MM" string does not parse.
func lastResetBefore(hhmm string, now time.Time, loc *time.Location) (time.Time, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, false
	}
	local := now.In(loc)
	reset := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if reset.After(local) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset, true
}
