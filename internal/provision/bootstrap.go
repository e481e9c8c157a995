package provision

import (
	"context"
	"fmt"

	"github.com/flowpbx/callrouter/internal/database"
	"github.com/flowpbx/callrouter/internal/database/models"
)

// BootstrapClientName is the API client created on first start.
const BootstrapClientName = "admin"

// BootstrapClient creates the first API client when none exist and returns
// its generated secret. It returns "" when clients already exist.
func BootstrapClient(ctx context.Context, clients database.APIClientRepository) (string, error) {
	n, err := clients.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("counting api clients: %w", err)
	}
	if n > 0 {
		return "", nil
	}

	secret, err := database.GenerateSecret()
	if err != nil {
		return "", err
	}
	hash, err := database.HashPassword(secret)
	if err != nil {
		return "", err
	}
	if err := clients.Create(ctx, &models.APIClient{Name: BootstrapClientName, SecretHash: hash}); err != nil {
		return "", fmt.Errorf("creating bootstrap client: %w", err)
	}
	return secret, nil
}
