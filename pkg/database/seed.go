package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"convosync/internal/domain/conversation"
	"convosync/internal/domain/message"
	"convosync/internal/domain/user"
	"convosync/internal/repository"
	convosync_errors "convosync/pkg/errors"
)

// SeedConfig holds configuration for seeding the database
type SeedConfig struct {
	Users      []user.Profile
	GroupTitle string
}

// DefaultSeedConfig returns the development fixture: four users, one direct
// conversation and one group.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Users: []user.Profile{
			{UserID: "alice", Username: "alice", DisplayName: "Alice"},
			{UserID: "bob", Username: "bob", DisplayName: "Bob"},
			{UserID: "carol", Username: "carol", DisplayName: "Carol"},
			{UserID: "dave", Username: "dave", DisplayName: "Dave"},
		},
		GroupTitle: "Convosync Team",
	}
}

// SeedResult holds the result of the seeding operation
type SeedResult struct {
	Users         []user.Profile
	Conversations []conversation.Conversation
	Messages      []message.Message
}

var sampleMessages = []string{
	"Hey! How are you?",
	"I'm doing great, thanks for asking!",
	"Did you see the new release?",
	"Yes, the call screen looks much better.",
}

// Seed writes the fixture through store. Fixture rows have fixed ids, so a
// second run leaves existing rows alone.
func Seed(ctx context.Context, store repository.Store, cfg SeedConfig) (*SeedResult, error) {
	if len(cfg.Users) < 2 {
		return nil, fmt.Errorf("seed needs at least two users, got %d", len(cfg.Users))
	}
	result := &SeedResult{}

	for _, p := range cfg.Users {
		if err := store.UpsertProfile(ctx, p); err != nil {
			return nil, fmt.Errorf("seed profile %s: %w", p.UserID, err)
		}
		result.Users = append(result.Users, p)
	}
	log.Printf("Profiles seeded: %d", len(result.Users))

	first, second := cfg.Users[0].UserID, cfg.Users[1].UserID
	direct, err := seedConversation(ctx, store, conversation.Conversation{
		ID:   "seed-direct",
		Kind: conversation.KindDirect,
	}, []conversation.Participant{{UserID: first}, {UserID: second}})
	if err != nil {
		return nil, err
	}
	result.Conversations = append(result.Conversations, direct)

	if len(cfg.Users) >= 3 {
		members := []conversation.Participant{{UserID: first, Role: conversation.RoleOwner}}
		for i, p := range cfg.Users[1:] {
			role := conversation.RoleMember
			if i == 0 {
				role = conversation.RoleAdmin
			}
			members = append(members, conversation.Participant{UserID: p.UserID, Role: role})
		}
		group, err := seedConversation(ctx, store, conversation.Conversation{
			ID:    "seed-group",
			Kind:  conversation.KindGroup,
			Title: cfg.GroupTitle,
		}, members)
		if err != nil {
			return nil, err
		}
		result.Conversations = append(result.Conversations, group)
	}

	now := time.Now()
	for i, content := range sampleMessages {
		sender := first
		if i%2 == 1 {
			sender = second
		}
		m := message.Draft{Content: content}.Build(fmt.Sprintf("seed-msg-%d", i+1), direct.ID, sender,
			now.Add(time.Duration(i-len(sampleMessages))*time.Minute))
		stored, err := store.InsertMessage(ctx, m)
		if errors.Is(err, convosync_errors.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("seed message %s: %w", m.ID, err)
		}
		result.Messages = append(result.Messages, stored)
	}
	log.Printf("Messages seeded: %d", len(result.Messages))
	return result, nil
}

func seedConversation(ctx context.Context, store repository.Store, c conversation.Conversation, members []conversation.Participant) (conversation.Conversation, error) {
	created, err := store.CreateConversation(ctx, c, members)
	if errors.Is(err, convosync_errors.ErrAlreadyExists) {
		log.Printf("Conversation %s already seeded", c.ID)
		return c, nil
	}
	if err != nil {
		return conversation.Conversation{}, fmt.Errorf("seed conversation %s: %w", c.ID, err)
	}
	log.Printf("%s conversation seeded: %s", c.Kind, created.ID)
	return created, nil
}
