package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/config"
	"github.com/cybershield/portal/internal/database"
	"github.com/cybershield/portal/internal/orders"
	"github.com/cybershield/portal/internal/users"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// withDatabase opens the configured database for a one-shot command.
func withDatabase(ctx context.Context, run func(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) error) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return run(ctx, appConfig, db, logger)
}

func newCreateUserCommand() *cobra.Command {
	var user users.User
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a portal user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, _ config.AppConfig, db *gorm.DB, logger *zap.Logger) error {
				userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				created, err := userService.Create(ctx, user)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", created.ID, created.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&user.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&user.Role, "role", users.RoleUser, "Role (user or admin)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCreateOrderCommand() *cobra.Command {
	var order orders.Order
	cmd := &cobra.Command{
		Use:   "create-order",
		Short: "Create a pending order for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, _ config.AppConfig, db *gorm.DB, logger *zap.Logger) error {
				userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				if _, err := userService.Get(ctx, order.UserID); err != nil {
					return fmt.Errorf("order owner %d: %w", order.UserID, err)
				}
				orderService, err := orders.NewService(orders.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				created, err := orderService.Create(ctx, order)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created order %d for user %d (%s)\n", created.ID, created.UserID, created.Status)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&order.UserID, "user-id", 0, "Owning user id")
	cmd.Flags().StringVar(&order.ServiceName, "service", "", "Service name")
	cmd.Flags().StringVar(&order.Description, "description", "", "Order description")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue a session token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) error {
				userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
				if err != nil {
					return err
				}
				user, err := userService.Get(ctx, userID)
				if errors.Is(err, users.ErrUserNotFound) {
					return fmt.Errorf("user %d does not exist; create it with create-user", userID)
				}
				if err != nil {
					return err
				}
				tokenIssuer, err := newTokenIssuer(appConfig)
				if err != nil {
					return err
				}
				token, expiresIn, err := tokenIssuer.IssueToken(ctx, auth.Principal{UserID: user.ID, Role: user.Role})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n(expires in %ds)\n", token, expiresIn)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "Subject user id")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
