package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cybershield/portal/internal/auth"
	"github.com/cybershield/portal/internal/database"
	"github.com/cybershield/portal/internal/orders"
	"github.com/cybershield/portal/internal/users"
	"go.uber.org/zap"
)

const testSigningSecret = "provision-test-secret"

func executeCommand(t *testing.T, databasePath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	output := &bytes.Buffer{}
	root.SetOut(output)
	root.SetErr(output)
	root.SetArgs(append(args,
		"--signing-secret", testSigningSecret,
		"--database-path", databasePath,
		"--log-level", "error",
	))
	err := root.ExecuteContext(context.Background())
	return output.String(), err
}

func TestProvisioningCommandsEnableOrderFlow(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "portal.db")

	output, err := executeCommand(t, databasePath, "create-user", "--name", "Dana", "--role", "admin")
	if err != nil {
		t.Fatalf("create-user failed: %v (%s)", err, output)
	}
	if !strings.Contains(output, "created user 1 (admin)") {
		t.Fatalf("unexpected create-user output %q", output)
	}

	output, err = executeCommand(t, databasePath, "create-order", "--user-id", "1", "--service", "Penetration Test")
	if err != nil {
		t.Fatalf("create-order failed: %v (%s)", err, output)
	}
	if !strings.Contains(output, "created order 1 for user 1 (Pending)") {
		t.Fatalf("unexpected create-order output %q", output)
	}

	output, err = executeCommand(t, databasePath, "issue-token", "--user-id", "1")
	if err != nil {
		t.Fatalf("issue-token failed: %v (%s)", err, output)
	}
	token := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "cybershield-auth",
		Audience:      "cybershield-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}
	principal, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token did not validate: %v", err)
	}
	if principal.UserID != 1 || !principal.IsAdmin() {
		t.Fatalf("expected admin principal for user 1, got %+v", principal)
	}

	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	var order orders.Order
	if err := db.Where("id = ?", 1).Take(&order).Error; err != nil {
		t.Fatalf("expected provisioned order: %v", err)
	}
	if order.UserID != 1 || order.Status != orders.StatusPending {
		t.Fatalf("unexpected order %#v", order)
	}
	var user users.User
	if err := db.Where("id = ?", 1).Take(&user).Error; err != nil {
		t.Fatalf("expected provisioned user: %v", err)
	}
	if user.Role != users.RoleAdmin {
		t.Fatalf("unexpected role %q", user.Role)
	}
}

func TestIssueTokenRequiresExistingUser(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "portal.db")
	output, err := executeCommand(t, databasePath, "issue-token", "--user-id", "42")
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing user error, got %v (%s)", err, output)
	}
}

func TestCreateOrderRequiresExistingOwner(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "portal.db")
	output, err := executeCommand(t, databasePath, "create-order", "--user-id", "5", "--service", "Audit")
	if err == nil || !strings.Contains(err.Error(), "order owner 5") {
		t.Fatalf("expected missing owner error, got %v (%s)", err, output)
	}
}
