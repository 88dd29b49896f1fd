// agency-admin is the bootstrap CLI spec.md §6 names: create-db-user,
// create-broker-user, drop-db-collections. Subcommand dispatch follows the
// pack's pflag idiom (vjache-cie/cmd/cie/main.go: SetInterspersed(false),
// then switch on args[0]) so subcommand-specific flags aren't rejected by
// the global flag parser.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	flag "github.com/spf13/pflag"

	"github.com/ccagency/agency/internal/auth"
	"github.com/ccagency/agency/internal/config"
	"github.com/ccagency/agency/internal/store"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/agency/config.yaml", "path to the YAML configuration file")
	flag.SetInterspersed(false)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `agency-admin - orchestrator bootstrap CLI

Usage:
  agency-admin <command> [options]

Commands:
  create-db-user       Create the Postgres role and database the orchestrator connects as
  create-broker-user   Create a Broker-authenticated user (operators log in as this account)
  drop-db-collections  Drop and recreate all tables (destructive — for dev/test resets)
`)
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	var cfg config.AppConfig
	if err := config.Load(config.NewFile(*configPath), &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}

	command, cmdArgs := args[0], args[1:]
	var err error
	switch command {
	case "create-db-user":
		err = runCreateDBUser(cmdArgs, cfg)
	case "create-broker-user":
		err = runCreateBrokerUser(cmdArgs, cfg)
	case "drop-db-collections":
		err = runDropDBCollections(cmdArgs, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "agency-admin:", err)
		os.Exit(1)
	}
}

// runCreateDBUser creates the Postgres role and database the orchestrator's
// own connection string (config's store.*) names, connecting as a
// privileged bootstrap role instead.
func runCreateDBUser(args []string, cfg config.AppConfig) error {
	fs := flag.NewFlagSet("create-db-user", flag.ExitOnError)
	adminDSN := fs.String("admin-dsn", "", "Postgres connection string for a role with CREATEROLE/CREATEDB privileges")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *adminDSN == "" {
		return fmt.Errorf("--admin-dsn is required")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, *adminDSN)
	if err != nil {
		return fmt.Errorf("connecting as admin: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE ROLE %s LOGIN PASSWORD %s`,
		pgx.Identifier{cfg.Store.Username}.Sanitize(), quoteLiteral(cfg.Store.Password))); err != nil {
		return fmt.Errorf("creating role: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s OWNER %s`,
		pgx.Identifier{cfg.Store.DB}.Sanitize(), pgx.Identifier{cfg.Store.Username}.Sanitize())); err != nil {
		return fmt.Errorf("creating database: %w", err)
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Store.Username, cfg.Store.Password, cfg.Store.Host, cfg.Store.Port, cfg.Store.DB)
	appConn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting to new database: %w", err)
	}
	defer appConn.Close(ctx)
	if err := store.Migrate(ctx, appConn); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	fmt.Printf("created role/database %q and ran migrations\n", cfg.Store.DB)
	return nil
}

// runCreateBrokerUser creates a Broker login account, per spec.md §7's user
// administration surface, usable before any admin session exists yet.
func runCreateBrokerUser(args []string, cfg config.AppConfig) error {
	fs := flag.NewFlagSet("create-broker-user", flag.ExitOnError)
	username := fs.String("username", "", "broker login username")
	password := fs.String("password", "", "broker login password (min 8 characters)")
	isAdmin := fs.Bool("admin", false, "grant administrator privileges")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || len(*password) < 8 {
		return fmt.Errorf("--username and a --password of at least 8 characters are required")
	}

	ctx := context.Background()
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Store.Username, cfg.Store.Password, cfg.Store.Host, cfg.Store.Port, cfg.Store.DB)
	st, err := store.New(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close()

	// No blocklist/signing key is needed for account creation, only
	// CreateUser's bcrypt hashing path, so a Blocklist with a nil Redis client
	// is fine here: auth.Service only uses the blocklist in VerifyCredentials.
	authSvc, err := auth.NewService(st, auth.NewBlocklist(nil, 0, 0), "bootstrap-cli-unused-signing-key-placeholder")
	if err != nil {
		return fmt.Errorf("constructing auth service: %w", err)
	}
	if err := authSvc.CreateUser(ctx, *username, *password, *isAdmin); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	fmt.Printf("created broker user %q (admin=%v)\n", *username, *isAdmin)
	return nil
}

// runDropDBCollections drops every table the migrations created, for
// dev/test environment resets; it requires an explicit --yes since it is
// irreversible.
func runDropDBCollections(args []string, cfg config.AppConfig) error {
	fs := flag.NewFlagSet("drop-db-collections", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "confirm this destructive operation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*confirm {
		return fmt.Errorf("refusing to drop tables without --yes")
	}

	ctx := context.Background()
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Store.Username, cfg.Store.Password, cfg.Store.Host, cfg.Store.Port, cfg.Store.DB)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer conn.Close(ctx)

	tables := []string{
		"callback_tokens", "batch_history", "batches", "experiments",
		"nodes", "block_entries", "users", "schema_version",
	}
	for _, t := range tables {
		if _, err := conn.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s CASCADE`, pgx.Identifier{t}.Sanitize())); err != nil {
			return fmt.Errorf("dropping %s: %w", t, err)
		}
	}
	if _, err := conn.Exec(ctx, `DROP TYPE IF EXISTS batch_state, callback_phase`); err != nil {
		return fmt.Errorf("dropping enum types: %w", err)
	}

	fmt.Println("dropped all orchestrator tables")
	return nil
}

// quoteLiteral escapes s for use as a single-quoted SQL string literal.
// pgx has no parameter-binding path for DDL, so CREATE ROLE's password
// clause is built by hand; doubling embedded quotes is the standard SQL
// string-literal escape.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
