package groups

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/groupmesh/groupd/pkg/identity"
)

// Bootstrap provisions the initial groups from configuration. Each tuple
// becomes a group with the named member invited as admin. Existing groups
// and invitations are kept as they are, so startup is idempotent. This
// runs before any caller identity exists and takes no principal.
func (s *Service) Bootstrap(ctx context.Context, initial []InitialGroup) error {
	for _, ig := range initial {
		if ig.Name == "" || ig.Member == "" {
			continue
		}
		groupID := ig.ID
		if groupID == "" {
			groupID = newID()
		}
		key := identity.DeriveKey(ig.Member)

		err := s.store.Update(ctx, func(tx Tx) error {
			g, err := tx.Group(groupID)
			if err != nil {
				return err
			}
			if g == nil {
				if err := tx.PutGroup(Group{ID: groupID, Name: ig.Name, Core: ig.Core}); err != nil {
					return err
				}
			}
			if _, err := mergeUser(tx, key, "", ""); err != nil {
				return err
			}
			inv, err := tx.Invitation(groupID, key)
			if err != nil {
				return err
			}
			if inv != nil {
				return nil
			}
			return tx.PutInvitation(Invitation{GroupID: groupID, UserKey: key, Role: s.cfg.AdminRole})
		})
		if err != nil {
			return fmt.Errorf("failed to bootstrap group %q: %w", ig.Name, err)
		}

		s.logger.WithFields(logrus.Fields{"group": groupID, "name": ig.Name, "core": ig.Core}).
			Info("initial group provisioned")
	}
	return nil
}
