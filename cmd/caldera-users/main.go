// caldera-users manages the YAML users file consumed by the engine's
// security layer: add users with bcrypt-hashed passwords, list them, verify
// credentials.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/calderadb/caldera/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	addCmd := flag.NewFlagSet("add", flag.ExitOnError)
	addFile := addCmd.String("file", "users.yaml", "Path to the users file.")
	addUsername := addCmd.String("username", "", "Username to add.")
	addRoles := addCmd.String("roles", "", "Comma-separated roles, e.g. \"ops,$admins\".")

	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	verifyFile := verifyCmd.String("file", "users.yaml", "Path to the users file.")
	verifyUsername := verifyCmd.String("username", "", "Username to verify.")

	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listFile := listCmd.String("file", "users.yaml", "Path to the users file.")

	switch os.Args[1] {
	case "add":
		addCmd.Parse(os.Args[2:])
		handleAdd(addCmd, *addFile, *addUsername, *addRoles)
	case "verify":
		verifyCmd.Parse(os.Args[2:])
		handleVerify(verifyCmd, *verifyFile, *verifyUsername)
	case "list":
		listCmd.Parse(os.Args[2:])
		handleList(*listFile)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: caldera-users <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  add    - Add a user")
	fmt.Println("  verify - Check a user's password")
	fmt.Println("  list   - List users and their roles")
	fmt.Println("\nUse 'caldera-users <command> -h' for more information on a specific command.")
}

func openStore(path string) *auth.UserStore {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := auth.OpenUserStore(path, logger)
	if err != nil {
		fmt.Printf("Error opening users file %s: %v\n", path, err)
		os.Exit(1)
	}
	return store
}

func readPassword(prompt string) string {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Printf("Error reading password: %v\n", err)
		os.Exit(1)
	}
	return string(password)
}

func handleAdd(fs *flag.FlagSet, file, username, roles string) {
	if username == "" {
		fmt.Println("Error: -username is required.")
		fs.Usage()
		os.Exit(1)
	}

	password := readPassword("Enter password: ")
	if password != readPassword("Confirm password: ") {
		fmt.Println("Error: Passwords do not match.")
		os.Exit(1)
	}

	var roleList []string
	for _, role := range strings.Split(roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roleList = append(roleList, role)
		}
	}

	store := openStore(file)
	if err := store.AddUser(username, password, roleList); err != nil {
		fmt.Printf("Error adding user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("User %q added to %s.\n", username, file)
}

func handleVerify(fs *flag.FlagSet, file, username string) {
	if username == "" {
		fmt.Println("Error: -username is required.")
		fs.Usage()
		os.Exit(1)
	}

	password := readPassword("Enter password: ")
	store := openStore(file)
	user, err := store.Verify(username, password)
	if err != nil {
		fmt.Printf("Verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OK: %s (roles: %s)\n", user.Username, strings.Join(user.Roles, ", "))
}

func handleList(file string) {
	store := openStore(file)
	for _, user := range store.Users() {
		fmt.Printf("%s\t%s\n", user.Username, strings.Join(user.Roles, ", "))
	}
}
