package lifecycle

import (
	"fmt"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-battle-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/model"
)

// transitions is the complete edge set. completed has no outgoing edges.
var transitions = map[model.BattleStatus][]model.BattleStatus{
	model.StatusDraft:     {model.StatusScheduled, model.StatusOpen},
	model.StatusScheduled: {model.StatusOpen},
	model.StatusOpen:      {model.StatusVoting},
	model.StatusVoting:    {model.StatusCompleted},
	model.StatusCompleted: {},
}

// automatic maps each status the sweep advances to its successor.
var automatic = map[model.BattleStatus]model.BattleStatus{
	model.StatusScheduled: model.StatusOpen,
	model.StatusOpen:      model.StatusVoting,
	model.StatusVoting:    model.StatusCompleted,
}

// AllowedTargets returns the statuses reachable from current in one step.
func AllowedTargets(current model.BattleStatus) []model.BattleStatus {
	return append([]model.BattleStatus(nil), transitions[current]...)
}

// ValidateTransition checks that current -> target is an edge and that its
// time guard holds for battle at now. It has no side effects.
func ValidateTransition(current, target model.BattleStatus, battle model.Battle, now time.Time) error {
	if !isEdge(current, target) {
		allowed := make([]string, 0, len(transitions[current]))
		for _, s := range transitions[current] {
			allowed = append(allowed, string(s))
		}
		list := "none"
		if len(allowed) > 0 {
			list = strings.Join(allowed, ", ")
		}
		return errordefs.Validation("status",
			fmt.Sprintf("cannot transition from %s to %s (allowed: %s)", current, target, list))
	}

	switch target {
	case model.StatusScheduled:
		if !battle.StartTime.After(now) {
			return errordefs.Validation("startTime", "cannot schedule a battle whose startTime has passed")
		}
	case model.StatusOpen:
		if now.Before(battle.StartTime) {
			return errordefs.Validation("startTime", "cannot open before startTime")
		}
		if !now.Before(battle.EndTime) {
			return errordefs.Validation("endTime", "cannot open after endTime")
		}
	case model.StatusVoting:
		if now.Before(battle.EndTime) {
			return errordefs.Validation("endTime", "cannot enter voting before submission period ends")
		}
		if !now.Before(battle.VotingEndTime) {
			return errordefs.Validation("votingEndTime", "cannot enter voting after votingEndTime")
		}
	case model.StatusCompleted:
		if now.Before(battle.VotingEndTime) {
			return errordefs.Validation("votingEndTime", "cannot complete before votingEndTime")
		}
	}
	return nil
}

func isEdge(current, target model.BattleStatus) bool {
	for _, s := range transitions[current] {
		if s == target {
			return true
		}
	}
	return false
}
