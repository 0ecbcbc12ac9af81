package scheduler

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/herd/internal/audit"
	"github.com/Iron-Ham/herd/internal/config"
	"github.com/Iron-Ham/herd/internal/stuck"
	"github.com/Iron-Ham/herd/internal/tmux"
)

const (
	triggerDemand   = "demand"
	triggerInterval = "interval"
)

// runRoles keeps the support roles going. A role with a live session is
// checked for being stuck and respawned if so; an idle role is started when
// its demand label has open issues or its interval has elapsed. Demand
// triggers are handled before interval triggers and a role never runs twice.
func (s *Scheduler) runRoles(ctx context.Context, st *State, snap *Snapshot, sum *Summary) {
	type due struct {
		rc      config.RoleConfig
		trigger string
	}
	var demand, interval []due

	for _, rc := range s.cfg.Roles {
		rs := st.role(rc.Name)
		if rs.Running() {
			if !s.deps.Host.Alive(ctx, rs.Session) {
				s.logger.Info("role session ended", "role", rc.Name, "session", rs.Session)
				delete(st.Output, rs.Session)
				rs.Session = ""
				rs.LastEndedAt = snap.Now
			} else if s.roleStuckCheck(ctx, st, rc, rs, snap.Now) {
				demand = append(demand, due{rc, "respawn"})
			}
			continue
		}
		switch {
		case len(snap.Demand[rc.Name]) > 0:
			demand = append(demand, due{rc, triggerDemand})
		case rc.Interval() > 0 && (rs.LastStartedAt.IsZero() || snap.Now.Sub(rs.LastStartedAt) >= rc.Interval()):
			interval = append(interval, due{rc, triggerInterval})
		}
	}

	for _, d := range slices.Concat(demand, interval) {
		s.startRole(ctx, st, d.rc, d.trigger, snap.Now, sum)
	}
}

// roleStuckCheck runs the role detectors against a live role session and
// kills it when stuck. It reports whether the session was killed.
func (s *Scheduler) roleStuckCheck(ctx context.Context, st *State, rc config.RoleConfig, rs *RoleState, now time.Time) bool {
	out, err := s.deps.Host.Capture(ctx, rs.Session, s.cfg.OutputWindow)
	if err != nil {
		s.logger.Warn("cannot capture role output", "role", rc.Name, "error", err)
		return false
	}
	changed := s.touch(st, rs.Session, out, now)
	det := s.roleStuck.Check(stuck.AgentState{
		AgentID:          rs.Session,
		Now:              now,
		Working:          true,
		StartedAt:        rs.LastStartedAt,
		LastOutputChange: changed,
		OutputLines:      stuck.TailLines(out, s.cfg.OutputWindow),
		CurrentPhase:     rc.Name,
	})
	if !det.Stuck {
		return false
	}
	s.metrics.StuckDetected(ctx, det.Severity.String())
	if err := s.deps.Host.Kill(ctx, rs.Session); err != nil {
		s.logger.Error("failed to kill stuck role", "role", rc.Name, "session", rs.Session, "error", err)
		return false
	}
	s.logger.Warn("respawning stuck role", "role", rc.Name, "indicators", strings.Join(det.Indicators, "; "))
	s.record(audit.KindRoleRespawned, 0, map[string]any{"role": rc.Name, "indicators": det.Indicators})
	delete(st.Output, rs.Session)
	rs.Session = ""
	rs.LastEndedAt = now
	return true
}

// startRole creates a session for one support role.
func (s *Scheduler) startRole(ctx context.Context, st *State, rc config.RoleConfig, trigger string, now time.Time, sum *Summary) {
	rs := st.role(rc.Name)
	if rs.Running() {
		return
	}
	argv := slices.Clone(rc.Command)
	if len(argv) == 0 {
		argv = append(slices.Clone(s.cfg.AgentCommand), "/"+rc.Name)
	}
	session := tmux.SessionName("role-" + rc.Name + "-" + uuid.NewString()[:8])
	err := s.deps.Host.Create(ctx, tmux.Spec{
		Name:    session,
		WorkDir: s.cfg.RepoDir,
		Command: argv,
		Env:     map[string]string{"HERD_ROLE": rc.Name},
	})
	if err != nil {
		s.logger.Error("failed to start role", "role", rc.Name, "error", err)
		return
	}
	rs.Session = session
	rs.Trigger = trigger
	rs.LastStartedAt = now
	sum.Roles = append(sum.Roles, rc.Name+":"+trigger)
	s.metrics.Spawned(ctx, "role")
	s.logger.Info("started role", "role", rc.Name, "trigger", trigger, "session", session)
}
