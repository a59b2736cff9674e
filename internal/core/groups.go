package core

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"ephemera/server/internal/config"
	"ephemera/server/internal/identity"
	"ephemera/server/internal/protocol"
)

const defaultGroupName = "Group"

// GroupCreated is returned to the creator of a group. OwnerToken makes its
// bearer the first admin on join and works once.
type GroupCreated struct {
	ID         string `json:"group_id"`
	Name       string `json:"name"`
	Nick       string `json:"nick,omitempty"`
	OwnerToken string `json:"owner_token"`
	CreatedAt  int64  `json:"created_at"`
}

// CreateGroup stores a new password-protected group. The password is
// hashed without holding the relay lock.
func (r *Relay) CreateGroup(name, password, nick string) (GroupCreated, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = defaultGroupName
	}
	if utf8.RuneCountInString(name) > config.MaxGroupNameLength {
		name = strings.TrimSpace(string([]rune(name)[:config.MaxGroupNameLength]))
	}
	if utf8.RuneCountInString(password) < config.MinGroupPassword {
		return GroupCreated{}, ErrWeakPassword
	}
	if nick != "" {
		n, err := identity.Normalize(nick)
		if err != nil {
			return GroupCreated{}, err
		}
		nick = n
	}

	r.mu.Lock()
	err := r.mod.CheckGroupCreation()
	r.mu.Unlock()
	if err != nil {
		return GroupCreated{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cfg.BcryptCost)
	if err != nil {
		return GroupCreated{}, fmt.Errorf("hash group password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mod.CheckGroupCreation(); err != nil {
		return GroupCreated{}, err
	}
	g := r.rooms.CreateGroup(name, string(hash))
	return GroupCreated{
		ID:         g.ID,
		Name:       g.Name,
		Nick:       nick,
		OwnerToken: r.mod.IssueOwnerToken(g.ID),
		CreatedAt:  g.CreatedAt.UnixMilli(),
	}, nil
}

// RoomPublic returns what an invite link may reveal about roomID. Direct
// rooms are never listed.
func (r *Relay) RoomPublic(roomID string) (protocol.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms.Lookup(roomID)
	if !ok || rm.Kind == protocol.RoomDirect {
		return protocol.RoomInfo{}, ErrRoomNotListed
	}
	return rm.Info(), nil
}
