package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/server"
)

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Manage the user directory",
		Long:  "Users give actor ids a name and role in listings. Keys and tokens identify a user to the API.",
	}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	u.AddCommand(userShowCmd())
	u.AddCommand(userDeleteCmd())
	u.AddCommand(userKeyCmd())
	u.AddCommand(userKeysCmd())
	u.AddCommand(userRevokeKeyCmd())
	u.AddCommand(userTokenCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var opts engine.UserCreateOptions
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePermissions(perms)
			if err != nil {
				return err
			}
			opts.Permissions = p
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.CreateUser(ctx, opts)
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "username")
	cmd.Flags().StringVar(&opts.Role, "role", "", "role (default user)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission flag (view, add, edit, delegate, upload-evidence, confirm-evidence), repeatable")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx, role)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printUsers([]domain.User{u})
			})
		},
	}
}

func userDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user and their API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func userKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <id>",
		Short: "Issue an API key for a user (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, secret, err := a.Engine.CreateAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(server.APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: secret, CreatedAt: key.CreatedAt})
				}
				fmt.Println(secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func userKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <id>",
		Short: "List a user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Last Used"})
				for _, k := range keys {
					lastUsed := ""
					if k.LastUsedAt != nil {
						lastUsed = *k.LastUsedAt
					}
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userRevokeKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-key <id> <keyId>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeAPIKey(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Println("revoked", args[1])
				return nil
			})
		},
	}
}

func userTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <id>",
		Short: "Mint a bearer token for a user, signed with TRACKLINE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				token, err := server.SignToken(viper.GetString("jwt-secret"), u.ID, []string{u.Role}, ttl, time.Now())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func parsePermissions(names []string) (domain.Permissions, error) {
	var p domain.Permissions
	for _, n := range names {
		switch n {
		case "view":
			p.View = true
		case "add":
			p.Add = true
		case "edit":
			p.Edit = true
		case "delegate":
			p.Delegate = true
		case "upload-evidence":
			p.UploadEvidence = true
		case "confirm-evidence":
			p.ConfirmEvidence = true
		default:
			return p, fmt.Errorf("unknown permission %q", n)
		}
	}
	return p, nil
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Username", "Role", "Created"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Username, u.Role, u.CreatedAt})
	}
	tw.Render()
	return nil
}
