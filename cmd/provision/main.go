// Command provision manages registered users and seed records through the
// data gateway admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"salesdesk/internal/servicetoken"
)

const defaultIssuer = "salesdesk-provision"

var errUsage = errors.New("usage")

const usage = `usage: provision [global flags] <command> [flags]

commands:
  users create -email E -password P [-inactive]
  users activate -email E
  users deactivate -email E
  users password -email E -password P
  users list
  seed -file records.yaml

global flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		exitErr(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("provision", flag.ContinueOnError)
	global.SetOutput(stderr)
	gatewayURL := global.String("gateway", envOr("SALESDESK_GATEWAY_URL", "http://localhost:8081"), "data gateway base URL")
	keyPath := global.String("key", os.Getenv("SALESDESK_ADMIN_KEY"), "operator RSA private key (PEM)")
	keyID := global.String("kid", envOr("SALESDESK_ADMIN_KEY_ID", servicetoken.DefaultKeyID), "key id placed in the token header")
	issuer := global.String("issuer", envOr("SALESDESK_ADMIN_ISSUER", defaultIssuer), "token issuer; must be allowed by the gateway")
	operator := global.String("operator", envOr("USER", "operator"), "operator name recorded in audit logs")
	timeout := global.Duration("timeout", 30*time.Second, "request timeout")
	global.Usage = func() {
		fmt.Fprint(stderr, usage)
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		global.Usage()
		return errUsage
	}

	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{
		PrivateKeyPath: *keyPath,
		KeyID:          *keyID,
		Issuer:         *issuer,
	})
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}
	client := newAdminClient(*gatewayURL, signer, *operator, *timeout)

	switch rest[0] {
	case "users":
		return runUsers(ctx, client, rest[1:], stdout, stderr)
	case "seed":
		return runSeed(ctx, client, rest[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", rest[0])
		global.Usage()
		return errUsage
	}
}

func runUsers(ctx context.Context, client *adminClient, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	sub := args[0]
	fs := flag.NewFlagSet("users "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	email := fs.String("email", "", "user email")
	password := fs.String("password", "", "sign-in password")
	inactive := fs.Bool("inactive", false, "create the user deactivated")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	var req provisionRequest
	switch sub {
	case "list":
		users, err := client.ListUsers(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEMAIL\tACTIVE\tCREATED")
		for _, u := range users {
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", u.ID, u.Email, u.IsActive, u.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	case "create":
		if *password == "" {
			return errors.New("users create: -password is required")
		}
		active := !*inactive
		req = provisionRequest{Email: *email, Password: *password, Active: &active}
	case "activate", "deactivate":
		active := sub == "activate"
		req = provisionRequest{Email: *email, Active: &active}
	case "password":
		if *password == "" {
			return errors.New("users password: -password is required")
		}
		req = provisionRequest{Email: *email, Password: *password}
	default:
		fmt.Fprintf(stderr, "unknown users command %q\n", sub)
		return errUsage
	}
	if strings.TrimSpace(*email) == "" {
		return fmt.Errorf("users %s: -email is required", sub)
	}
	user, err := client.ProvisionUser(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: id=%d active=%t\n", user.Email, user.ID, user.IsActive)
	return nil
}

func runSeed(ctx context.Context, client *adminClient, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "YAML file of collection record sets")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *file == "" {
		return errors.New("seed: -file is required")
	}
	sets, err := loadSeedFile(*file)
	if err != nil {
		return err
	}
	total := 0
	for _, set := range sets {
		n, err := client.InsertRecords(ctx, set.Collection, set.Records)
		total += n
		if err != nil {
			return fmt.Errorf("seed %s: %w (inserted %d before failing)", set.Collection, err, n)
		}
		fmt.Fprintf(stdout, "%s: inserted %d\n", set.Collection, n)
	}
	fmt.Fprintf(stdout, "total: %d\n", total)
	return nil
}

func envOr(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
