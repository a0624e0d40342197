// Command hearthctl administers a Hearth deployment directly against its
// database: listing, approving, and rejecting users, granting and revoking
// admin, controlling the registration mode, and managing invite tokens.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/hearth-chat/hearth/internal/auth"
	"github.com/hearth-chat/hearth/internal/config"
	"github.com/hearth-chat/hearth/internal/store"
)

func main() {
	dsn := flag.String("db", "", "SQLite data source name (defaults to DATA_SOURCE_NAME)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	dataSource := *dsn
	if dataSource == "" {
		dataSource = config.Load().DataSourceName
	}
	if dataSource == "" {
		fmt.Fprintln(os.Stderr, "hearthctl: no database configured (use -db or DATA_SOURCE_NAME)")
		os.Exit(2)
	}

	st, err := store.OpenSQLite(dataSource)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hearthctl: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	registrar := auth.NewRegistrar(st)

	if err := run(ctx, st, registrar, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "hearthctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, st store.Store, registrar *auth.Registrar, args []string) error {
	switch args[0] {
	case "users":
		return listUsers(ctx, st)
	case "pending":
		return listPending(ctx, st)
	case "approve":
		if len(args) < 2 {
			return fmt.Errorf("usage: hearthctl approve <username>")
		}
		_, err := registrar.Approve(ctx, args[1], "hearthctl")
		if err == nil {
			fmt.Printf("approved %s\n", args[1])
		}
		return err
	case "reject":
		if len(args) < 2 {
			return fmt.Errorf("usage: hearthctl reject <username>")
		}
		err := registrar.Reject(ctx, args[1], "hearthctl")
		if err == nil {
			fmt.Printf("rejected %s\n", args[1])
		}
		return err
	case "set-admin":
		if len(args) < 2 {
			return fmt.Errorf("usage: hearthctl set-admin <username>")
		}
		return registrar.SetRole(ctx, args[1], store.RoleAdmin)
	case "remove-admin":
		if len(args) < 2 {
			return fmt.Errorf("usage: hearthctl remove-admin <username>")
		}
		return registrar.SetRole(ctx, args[1], store.RoleUser)
	case "mode":
		if len(args) < 2 {
			mode, err := registrar.Mode(ctx)
			if err != nil {
				return err
			}
			fmt.Println(mode)
			return nil
		}
		return registrar.SetMode(ctx, args[1])
	case "invite":
		invite, err := registrar.MintInvite(ctx, "hearthctl")
		if err != nil {
			return err
		}
		fmt.Println(invite.Token)
		return nil
	case "invites":
		return listInvites(ctx, st)
	case "revoke":
		if len(args) < 2 {
			return fmt.Errorf("usage: hearthctl revoke <token>")
		}
		return st.DeleteInvite(ctx, args[1])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func listUsers(ctx context.Context, st store.Store) error {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tROLE\tAPPROVED BY")
	for _, u := range users {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Username, u.Role, u.ApprovedBy)
	}
	return tw.Flush()
}

func listPending(ctx context.Context, st store.Store) error {
	pending, err := st.ListPendingUsers(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tCODE\tREGISTERED")
	for _, p := range pending {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Username, p.ApprovalCode, p.RegisteredAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func listInvites(ctx context.Context, st store.Store) error {
	invites, err := st.ListInvites(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tCREATED BY\tUSED BY")
	for _, inv := range invites {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inv.Token, inv.CreatedBy, inv.UsedBy)
	}
	return tw.Flush()
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: hearthctl [-db DSN] <command>

Commands:
  users             list approved users
  pending           list registrations awaiting approval
  approve <user>    approve a pending registration
  reject <user>     discard a pending registration
  set-admin <user>      grant admin to an account
  remove-admin <user>   revoke admin from an account
  mode [mode]       show or set the registration mode
                    (closed|invite_only|approval_required|open)
  invite            mint a new invite token
  invites           list invite tokens
  revoke <token>    delete an invite token
`)
	flag.PrintDefaults()
}
