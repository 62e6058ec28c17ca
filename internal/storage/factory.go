// Package storage builds the configured archive storage provider.
package storage

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"monkids/internal/adapters/storage/gdrive"
	"monkids/internal/adapters/storage/localfs"
	"monkids/internal/config"
)

func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "localfs":
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("storage.local_root is required for localfs")
		}
		return localfs.New(cfg.LocalRoot), nil

	case "gdrive":
		return newGDriveProvider(ctx, cfg.GDrive)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// OAuthConfig is the Drive OAuth client shared by the provider and
// cmd/gdrive-auth.
func OAuthConfig(cfg config.GDriveConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{drive.DriveFileScope},
	}
}

func newGDriveProvider(ctx context.Context, cfg config.GDriveConfig) (Provider, error) {
	for name, v := range map[string]string{
		"client_id":     cfg.ClientID,
		"client_secret": cfg.ClientSecret,
		"refresh_token": cfg.RefreshToken,
	} {
		if v == "" {
			return nil, fmt.Errorf("storage.gdrive.%s is required", name)
		}
	}

	tok := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := OAuthConfig(cfg).Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, cfg.FolderID), nil
}
