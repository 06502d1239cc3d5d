// Command helpdesk-auth signs in to the family-helpdesk identity provider and manages
// the stored session from a terminal.
//
// Usage:
//
//	helpdesk-auth [-config file] [-v] <command> [flags]
//
// Commands:
//
//	signin   [-signup] [-idp name]   sign in with the system browser
//	token    [-id] [-force]          print a valid access (or ID) token
//	status                           print the session state
//	signout                          sign out and revoke the session
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/d-kuro/helpdeskauth"
	"github.com/d-kuro/helpdeskauth/pkg/auth"
	"github.com/d-kuro/helpdeskauth/pkg/constants"
	"github.com/d-kuro/helpdeskauth/pkg/events"
	"github.com/d-kuro/helpdeskauth/pkg/recovery"
	"github.com/d-kuro/helpdeskauth/pkg/session"
	"github.com/d-kuro/helpdeskauth/pkg/tokens"
)

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("helpdesk-auth", flag.ContinueOnError)
	global.SetOutput(stderr)
	configPath := global.String("config", "", "path to a YAML configuration file")
	verbose := global.Bool("v", false, "log debug events to stderr")
	global.Usage = func() { usage(stderr) }
	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		usage(stderr)
		return 2
	}

	logCfg := events.DefaultLogConfig()
	if *verbose {
		logCfg.Level = "debug"
	} else {
		logCfg.Level = "warn"
	}
	logger := events.NewLogger(logCfg)
	defer func() { _ = logger.Sync() }()

	var sources []helpdeskauth.ConfigSource
	if *configPath != "" {
		sources = append(sources, helpdeskauth.FileSource(*configPath))
	}
	sources = append(sources, helpdeskauth.EnvSource{})

	engine := recovery.NewEngine(recovery.WithEvents(events.NewZapLogger(logger)))
	config, err := helpdeskauth.ResolveConfig(ctx, engine, sources...)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "Set %sISSUER and %sCLIENT_ID, or pass -config.\n", constants.EnvPrefix, constants.EnvPrefix)
		logger.Debug("configuration failed", zap.Error(errors.Unwrap(err)))
		return 1
	}
	config.Logger = logger

	client, err := helpdeskauth.NewClientFromConfig(config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = client.Close() }()

	if err := client.Restore(ctx); err != nil {
		logger.Warn("stored session could not be restored", zap.Error(err))
	}

	cmd, cmdArgs := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "signin":
		err = signIn(ctx, client, cmdArgs, stdout, stderr)
	case "token":
		err = printToken(ctx, client, cmdArgs, stdout, stderr)
	case "status":
		printStatus(client, stdout)
	case "signout":
		if err = client.SignOut(ctx); err == nil {
			fmt.Fprintln(stdout, "Signed out.")
		}
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		usage(stderr)
		return 2
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		logger.Debug("command failed", zap.String("command", cmd), zap.Error(errors.Unwrap(err)))
		if session.IsOffline(err) {
			return 3
		}
		return 1
	}
	return 0
}

func signIn(ctx context.Context, client *helpdeskauth.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("signin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	signup := fs.Bool("signup", false, "open the sign-up screen instead of sign-in")
	idp := fs.String("idp", "", "federated identity provider to use")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := auth.SignInOptions{IdentityProvider: *idp}
	if *signup {
		opts.ScreenHint = constants.ScreenHintSignUp
	}
	if err := client.SignIn(ctx, opts); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Signed in as %s.\n", client.State().Subject)
	return nil
}

func printToken(ctx context.Context, client *helpdeskauth.Client, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Bool("id", false, "print the ID token instead of the access token")
	force := fs.Bool("force", false, "always ask the provider for a new token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		tok tokens.Token
		err error
	)
	if *id {
		tok, err = client.IDToken(ctx, *force)
	} else {
		tok, err = client.AccessToken(ctx, *force)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok.Raw)
	return nil
}

func printStatus(client *helpdeskauth.Client, stdout io.Writer) {
	state := client.State()
	fmt.Fprintf(stdout, "Status:  %s\n", state.Status)
	if state.Subject != "" {
		fmt.Fprintf(stdout, "Subject: %s\n", state.Subject)
	}
	fmt.Fprintf(stdout, "Storage: %s\n", client.StorageLocation())
	if state.Err != nil {
		fmt.Fprintf(stdout, "Error:   %s\n", state.Err.Message)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: helpdesk-auth [-config file] [-v] <command> [flags]

Commands:
  signin   [-signup] [-idp name]   sign in with the system browser
  token    [-id] [-force]          print a valid access (or ID) token
  status                           print the session state
  signout                          sign out and revoke the session

Configuration is read from -config, then from %s* environment variables
(a .env file in the working directory is loaded first).
`, constants.EnvPrefix)
}
