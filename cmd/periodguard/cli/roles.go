package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/odyssey-erp/periodguard/internal/rbac"
)

// RoleAdmin is the subset of rbac.Service the roles command needs.
type RoleAdmin interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	Roles(ctx context.Context, userID int64) ([]string, error)
	AssignRole(ctx context.Context, userID int64, role string) error
}

// RunRoles executes `roles <list|assign USER ROLE>`. Assigning from the
// command line grants the first admin before any HTTP role gate can pass.
func RunRoles(ctx context.Context, svc RoleAdmin, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: roles list | roles assign <user-id> <role>")
	}
	switch args[0] {
	case "list":
		roles, err := svc.ListRoles(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
		for _, r := range roles {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, r.Name, r.Description)
		}
		return tw.Flush()
	case "assign":
		if len(args) < 3 {
			return errors.New("usage: roles assign <user-id> <role>")
		}
		userID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("roles cli: invalid user id %q", args[1])
		}
		if err := svc.AssignRole(ctx, userID, args[2]); err != nil {
			return fmt.Errorf("roles cli: assign %s: %w", args[2], err)
		}
		held, err := svc.Roles(ctx, userID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "user %d roles: %v\n", userID, held)
		return err
	default:
		return fmt.Errorf("roles cli: unknown command %s", args[0])
	}
}
