package progression

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/drover-io/drover/pkg/models"
)

// runGroup drives every member of the target's parallel group to a settled
// status, in dependency-ordered waves, then merges control flow at the join.
// Per-member failure policy (retry, skip, route, abort) applies before the
// merge; an exhaustion route recorded by any member outranks the join
// successor.
func (m *Manager) runGroup(ctx context.Context, target *models.StepDefinition) error {
	group := target.ParallelGroup
	peers := m.def.GroupPeers(group)

	for {
		m.mu.Lock()

		if m.st.Status.IsTerminal() {
			m.mu.Unlock()

			return nil
		}

		if m.pendingRoute != "" {
			m.mu.Unlock()

			break
		}

		wave := m.eligiblePeersLocked(peers)

		if len(wave) == 0 {
			m.mu.Unlock()

			break
		}

		ids := make([]string, len(wave))
		for i, peer := range wave {
			ids[i] = peer.ID
		}

		m.st.ActiveSteps = ids
		err := m.state.Save(ctx, m.st)
		m.mu.Unlock()

		if err != nil {
			return err
		}

		m.logger.InfoContext(ctx, "Dispatching parallel group wave",
			"group", group, "members", ids)

		g, waveCtx := errgroup.WithContext(ctx)

		for _, peer := range wave {
			g.Go(func() error {
				_, err := m.runStep(waveCtx, peer, m.takeResumePlan(peer))

				return err
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	next := m.joinSuccessorLocked(group)
	m.mu.Unlock()

	return m.applyOutcome(ctx, stepOutcome{nextID: next})
}

// eligiblePeersLocked selects the group members that can run now: not yet
// settled, not left failed by an exhaustion route, with every dependency
// settled. Running and retrying members are included so a crashed wave can be
// re-entered.
func (m *Manager) eligiblePeersLocked(peers []*models.StepDefinition) []*models.StepDefinition {
	var wave []*models.StepDefinition

	for _, peer := range peers {
		rec := m.st.Step(peer.ID)

		if rec != nil {
			switch rec.Status {
			case models.StepStatusPending, models.StepStatusRunning, models.StepStatusRetrying:
			default:
				continue
			}
		}

		if !m.depsSettledLocked(peer) {
			continue
		}

		wave = append(wave, peer)
	}

	return wave
}

func (m *Manager) depsSettledLocked(step *models.StepDefinition) bool {
	for _, dep := range step.DependsOn {
		rec := m.st.Step(dep)
		if rec == nil || !rec.Status.IsTerminal() {
			return false
		}
	}

	return true
}

// joinSuccessorLocked finds where control flow goes after the whole group:
// the first dispatchable step after the group's last member in definition
// order. Member gates never route the join; joins only merge.
func (m *Manager) joinSuccessorLocked(group string) string {
	peers := m.def.GroupPeers(group)
	if len(peers) == 0 {
		return ""
	}

	last := peers[len(peers)-1]
	if next := m.firstDispatchableLocked(m.def.NextInOrder(last.ID)); next != nil {
		return next.ID
	}

	return ""
}
