package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/meridian-crm/meridian-crm/internal/audit"
)

// TransitionRole moves a user to a new role after validating the actor's
// authority. Assigning the role the user already holds is a no-op. Otherwise
// the rules, in order:
//
//   - the target role must exist (ErrUnknownTargetRole)
//   - actors may never raise their own role (ErrSelfEscalation)
//   - only a top-level actor may assign the top-level role
//   - otherwise the target role's level must be strictly below the actor's
//     (ErrInsufficientAuthority)
//
// On success the assignment update, cache invalidation, and audit write are
// completed before the call returns; the notification collaborator is told
// afterwards and its failure never rolls the transition back.
func (s *Service) TransitionRole(ctx context.Context, actorID, userID int64, targetRole string) error {
	snap := s.Snapshot()
	target, err := snap.Graph.Role(targetRole)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTargetRole, targetRole)
	}

	unlock := s.lockUser(userID)
	defer unlock()

	var oldRole string
	current, err := s.store.GetAssignment(ctx, userID)
	switch {
	case err == nil:
		oldRole = current.RoleID
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}
	// Re-assigning the held role is idempotent, not an authority question.
	if oldRole == target.ID {
		return nil
	}

	actorLevel, err := s.actorLevel(ctx, snap, actorID)
	if err != nil {
		return err
	}
	top := snap.Graph.TopRole()
	switch {
	case actorID == userID && target.Level >= actorLevel:
		return ErrSelfEscalation
	case target.ID == top:
		actor, err := s.store.GetAssignment(ctx, actorID)
		if err != nil || !snap.Graph.InClosure(actor.RoleID, top) {
			return fmt.Errorf("%w: assigning %s requires a %s actor", ErrInsufficientAuthority, top, top)
		}
	case target.Level >= actorLevel:
		return fmt.Errorf("%w: target level %d, actor level %d", ErrInsufficientAuthority, target.Level, actorLevel)
	}

	if err := s.store.UpsertAssignment(ctx, userID, target.ID); err != nil {
		return err
	}
	invErr := s.invalidateUser(ctx, userID)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionRoleAssign,
		TargetKind: audit.TargetUser,
		TargetID:   strconv.FormatInt(userID, 10),
		Before:     roleState(oldRole),
		After:      roleState(target.ID),
	})
	if invErr != nil {
		return invErr
	}
	s.notifyRoleChange(ctx, userID, oldRole, target.ID)
	return nil
}

// RemoveRole strips a user's role. The actor must outrank the user's current
// role; actors may not strip their own.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID int64) error {
	if actorID == userID {
		return ErrSelfEscalation
	}
	snap := s.Snapshot()
	actorLevel, err := s.actorLevel(ctx, snap, actorID)
	if err != nil {
		return err
	}

	unlock := s.lockUser(userID)
	defer unlock()

	current, err := s.store.GetAssignment(ctx, userID)
	if err != nil {
		return err
	}
	currentLevel, err := snap.Graph.Level(current.RoleID)
	if err == nil && currentLevel >= actorLevel {
		return fmt.Errorf("%w: user holds level %d, actor level %d", ErrInsufficientAuthority, currentLevel, actorLevel)
	}
	if err := s.store.DeleteAssignment(ctx, userID); err != nil {
		return err
	}
	invErr := s.invalidateUser(ctx, userID)
	s.record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionRoleRemove,
		TargetKind: audit.TargetUser,
		TargetID:   strconv.FormatInt(userID, 10),
		Before:     roleState(current.RoleID),
	})
	if invErr != nil {
		return invErr
	}
	s.notifyRoleChange(ctx, userID, current.RoleID, "")
	return nil
}

func (s *Service) actorLevel(ctx context.Context, snap *Snapshot, actorID int64) (int, error) {
	assignment, err := s.store.GetAssignment(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, fmt.Errorf("%w: actor %d holds no role", ErrInsufficientAuthority, actorID)
		}
		return 0, err
	}
	level, err := snap.Graph.Level(assignment.RoleID)
	if err != nil {
		return 0, fmt.Errorf("%w: actor %d holds unknown role %s", ErrInsufficientAuthority, actorID, assignment.RoleID)
	}
	return level, nil
}

func (s *Service) notifyRoleChange(ctx context.Context, userID int64, oldRole, newRole string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.RoleChanged(ctx, userID, oldRole, newRole); err != nil {
		s.logger.Warn("role change notification failed",
			slog.Int64("user_id", userID),
			slog.String("new_role", newRole),
			slog.Any("error", err))
	}
}

func roleState(roleID string) map[string]any {
	if roleID == "" {
		return nil
	}
	return map[string]any{"role_id": roleID}
}
