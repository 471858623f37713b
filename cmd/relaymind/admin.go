package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "apikey":
		return runAdminAPIKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: relaymind admin <command> [options]

Commands:
  apikey    Generate an API key and the bcrypt hash to put in the config
  help      Show this help message

Examples:
  relaymind admin apikey
  relaymind admin apikey --key my-chosen-key
`)
}

// runAdminAPIKey prints a fresh API key and its bcrypt hash. The hash goes
// into server.api_key_hash; the key itself is shown once and not stored.
func runAdminAPIKey(args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	key := fs.String("key", "", "use this key instead of generating one (prompted if empty with --prompt)")
	prompt := fs.Bool("prompt", false, "read the key from the terminal without echo")
	if err := fs.Parse(args); err != nil {
		return err
	}

	k := *key
	switch {
	case *prompt:
		var err error
		k, err = promptSecret("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptSecret("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if k != confirm {
			return fmt.Errorf("keys do not match")
		}
	case k == "":
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		k = base64.RawURLEncoding.EncodeToString(buf)
	}
	if k == "" {
		return fmt.Errorf("key must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(k), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "API key (send as X-API-Key, shown once):\n")
	fmt.Printf("%s\n", k)
	fmt.Fprintf(os.Stderr, "\nConfig value for server.api_key_hash:\n")
	fmt.Printf("%s\n", hash)
	return nil
}

// promptSecret reads a line from the terminal without echoing.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
