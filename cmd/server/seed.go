package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

type seedUser struct {
	ChatID   int64  `yaml:"chat_id"`
	Username string `yaml:"username"`
}

type seedFileSpec struct {
	Users []seedUser `yaml:"users"`
}

// seedUsers loads a YAML chat list into the bot_users registry. Existing
// chats are refreshed, so re-running the seed is harmless.
func seedUsers(ctx context.Context, repo domain.UserRepository, path string) (int, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path.
	if err != nil {
		return 0, fmt.Errorf("op=seed.read: %w", err)
	}
	var spec seedFileSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return 0, fmt.Errorf("op=seed.parse: %w", err)
	}
	for _, u := range spec.Users {
		if u.ChatID == 0 {
			return 0, fmt.Errorf("op=seed.validate: entry with missing chat_id")
		}
		if err := repo.Upsert(ctx, u.ChatID, u.Username); err != nil {
			return 0, fmt.Errorf("op=seed.upsert: %w", err)
		}
	}
	return len(spec.Users), nil
}
