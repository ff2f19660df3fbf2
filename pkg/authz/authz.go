// Package authz resolves the role a user holds on a node.
//
// Roles are granted on nodes and inherited by descendants. The grant on the
// nearest node of the ancestor chain, starting at the node itself, wins.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/nodesync/nodesync/pkg/models"
	"github.com/nodesync/nodesync/pkg/store"
)

// MaxDepth bounds ancestor walks. A longer chain means the tree is corrupt.
const MaxDepth = 256

var ErrCycle = errors.New("authz: ancestor chain does not terminate")

// Ancestors returns the chain from the node up to its root, node first.
// It returns an empty chain when the node does not exist. Parents are loaded
// one level at a time, never recursively.
func Ancestors(ctx context.Context, s store.Store, nodeID models.NodeID) ([]*models.Node, error) {
	chain := []*models.Node{}
	seen := map[models.NodeID]struct{}{}
	next := &nodeID
	for next != nil {
		if _, ok := seen[*next]; ok || len(chain) >= MaxDepth {
			return nil, fmt.Errorf("%w at %s", ErrCycle, *next)
		}
		seen[*next] = struct{}{}

		n, err := s.GetNode(ctx, *next)
		if err != nil {
			return nil, err
		}
		if n == nil {
			break
		}
		chain = append(chain, n)
		next = n.ParentID
	}
	return chain, nil
}

// ChainIDs returns the ids of a chain, in order.
func ChainIDs(chain []*models.Node) []models.NodeID {
	ids := make([]models.NodeID, 0, len(chain))
	for _, n := range chain {
		ids = append(ids, n.ID)
	}
	return ids
}

// RoleInChain returns the user's role on chain[0]: the grant on the nearest
// node of the chain, or "" when there is none.
func RoleInChain(ctx context.Context, s store.Store, chain []*models.Node, userID models.UserID) (models.Role, error) {
	if len(chain) == 0 {
		return "", nil
	}
	grants, err := s.ListUserCollaborations(ctx, userID, ChainIDs(chain))
	if err != nil {
		return "", err
	}
	byNode := make(map[models.NodeID]models.Role, len(grants))
	for _, g := range grants {
		byNode[g.NodeID] = g.Role
	}
	for _, n := range chain {
		if role, ok := byNode[n.ID]; ok {
			return role, nil
		}
	}
	return "", nil
}

// ResolveRole returns the role of userID on nodeID, or "" when the user has
// no grant on the node or any of its ancestors.
func ResolveRole(ctx context.Context, s store.Store, nodeID models.NodeID, userID models.UserID) (models.Role, error) {
	chain, err := Ancestors(ctx, s, nodeID)
	if err != nil {
		return "", err
	}
	return RoleInChain(ctx, s, chain, userID)
}

// Grantees returns every user holding a role on the chain.
func Grantees(ctx context.Context, s store.Store, chain []*models.Node) ([]models.UserID, error) {
	grants, err := s.ListCollaborations(ctx, ChainIDs(chain))
	if err != nil {
		return nil, err
	}
	seen := map[models.UserID]struct{}{}
	users := []models.UserID{}
	for _, g := range grants {
		if _, ok := seen[g.UserID]; ok {
			continue
		}
		seen[g.UserID] = struct{}{}
		users = append(users, g.UserID)
	}
	return users, nil
}
