package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/mrkline/backpak/internal/config"
	"github.com/mrkline/backpak/internal/repo"
)

func newCmd_init() *cli.Command {
	var backendKind string
	var fsPath string
	var bucket, keyID, key string
	var encryptCmd, decryptCmd cli.StringSlice

	return &cli.Command{
		Name:  "init",
		Usage: "Create a new repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "backend",
				Usage:       `backend kind: "filesystem" or "backblaze"`,
				Value:       "filesystem",
				Destination: &backendKind,
			},
			&cli.StringFlag{
				Name:        "path",
				Usage:       "filesystem backend: directory to store objects in (default: objects)",
				Destination: &fsPath,
			},
			&cli.StringFlag{
				Name:        "bucket",
				Usage:       "backblaze backend: bucket name",
				Destination: &bucket,
			},
			&cli.StringFlag{
				Name:        "key-id",
				Usage:       "backblaze backend: application key ID",
				Destination: &keyID,
			},
			&cli.StringFlag{
				Name:        "key",
				Usage:       "backblaze backend: application key",
				Destination: &key,
			},
			&cli.StringSliceFlag{
				Name:        "encrypt-cmd",
				Usage:       "shell argv of a filter command to encrypt objects on write (e.g. gpg ...)",
				Destination: &encryptCmd,
			},
			&cli.StringSliceFlag{
				Name:        "decrypt-cmd",
				Usage:       "shell argv of a filter command to decrypt objects on read",
				Destination: &decryptCmd,
			},
		},
		Action: func(c *cli.Context) error {
			if err := requireRepository(); err != nil {
				return err
			}

			cfg := config.Config{
				Backend: config.Backend{
					Kind:   config.BackendKind(backendKind),
					Path:   fsPath,
					Bucket: bucket,
					KeyID:  keyID,
					Key:    key,
				},
			}
			if cfg.Backend.Kind == config.Filesystem && cfg.Backend.Path == "" {
				cfg.Backend.Path = "objects"
			}
			if len(encryptCmd.Value()) > 0 || len(decryptCmd.Value()) > 0 {
				cfg.Filter = &config.Filter{
					EncryptCmd: encryptCmd.Value(),
					DecryptCmd: decryptCmd.Value(),
				}
			}

			if err := repo.Init(c.Context, repoPath, cfg); err != nil {
				return err
			}
			fmt.Printf("initialized repository at %s\n", repoPath)
			return nil
		},
	}
}
