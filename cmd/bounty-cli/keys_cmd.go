package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"bountychain/crypto"
)

const defaultKeyFile = "wallet.key"

func runKeysCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
	switch args[0] {
	case "new":
		return runKeysNew(args[1:], stdout, stderr)
	case "show":
		return runKeysShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown keys subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keysUsage())
		return 1
	}
}

func runKeysNew(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("keys new", stderr)
	var file string
	fs.StringVar(&file, "file", defaultKeyFile, "path to write the key file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := os.Stat(file); err == nil {
		return printCmdError(stderr, fmt.Sprintf("%s already exists. move it aside before generating a new key", file))
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printCmdError(stderr, fmt.Sprintf("failed to generate key: %v", err))
	}
	if err := os.WriteFile(file, key.Bytes(), 0600); err != nil {
		return printCmdError(stderr, fmt.Sprintf("failed to save key to %s: %v", file, err))
	}

	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", file)
	fmt.Fprintf(stdout, "Your address is: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Store this file securely. It is the only copy of the private key.")
	return 0
}

func runKeysShow(args []string, stdout, stderr io.Writer) int {
	fs := newBountyFlagSet("keys show", stderr)
	var file string
	fs.StringVar(&file, "file", defaultKeyFile, "path to the key file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	key, err := loadKeyFile(file)
	if err != nil {
		return printCmdError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

func loadKeyFile(path string) (*crypto.PrivateKey, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key file %s not found. run bounty-cli keys new first", path)
		}
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	if len(keyBytes) == 0 {
		return nil, fmt.Errorf("key file %s is empty. run bounty-cli keys new first", path)
	}
	key, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key in %s: %w", path, err)
	}
	return key, nil
}

func keysUsage() string {
	return strings.TrimSpace(`Usage:
  bounty-cli keys <command> [flags]

Commands:
  new   Generate a key and save it to wallet.key
  show  Print the address for an existing key file
`)
}
