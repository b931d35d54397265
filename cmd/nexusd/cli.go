package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"nexus/internal/session"
	"nexus/internal/store"
)

var zeroTime time.Time

// runCLI handles subcommand execution. Returns true if a subcommand was
// recognized and handled (the caller should exit without starting the
// server).
func runCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("nexusd %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "channels":
		return cliChannels(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "bans":
		return cliBans(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStoreOrExit(dbPath string) *store.Store {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	name, _, _ := st.GetSetting("server_name")
	channelCount := len(mustChannels(st))
	userCount, _ := st.UserCount()
	rules, _ := st.ListIPRules()

	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Channels: %d\n", channelCount)
	fmt.Printf("Users: %d\n", userCount)
	fmt.Printf("IP rules: %d\n", len(rules))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func mustChannels(st *store.Store) []store.Channel {
	chs, err := st.GetChannels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return chs
}

func cliChannels(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		chs := mustChannels(st)
		if len(chs) == 0 {
			fmt.Println("No channels found.")
			return true
		}
		for _, ch := range chs {
			fmt.Printf("  [%d] %s  topic=%q\n", ch.ID, ch.Name, ch.Topic)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		name := args[1]
		id, err := st.CreateChannel(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created channel %q (id=%d)\n", name, id)
		return true
	}

	fmt.Fprintln(os.Stderr, "Usage: nexusd channels [list|create <name>]")
	os.Exit(1)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintln(os.Stderr, "Usage: nexusd settings [list|set <key> <value>]")
	os.Exit(1)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		n, _ := st.UserCount()
		fmt.Printf("%d user(s) registered.\n", n)
		return true
	}

	if args[0] == "create" && len(args) > 2 {
		username, password := args[1], args[2]
		isAdmin := len(args) > 3 && args[3] == "admin"
		id, err := st.CreateUser(username, password, isAdmin, false, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (id=%d, admin=%v)\n", username, id, isAdmin)
		return true
	}

	if args[0] == "promote" && len(args) > 1 {
		if err := st.SetAdmin(args[1], true); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s is now an admin\n", args[1])
		return true
	}

	if args[0] == "demote" && len(args) > 1 {
		if err := st.SetAdmin(args[1], false); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s is no longer an admin\n", args[1])
		return true
	}

	if args[0] == "grant" && len(args) > 2 {
		applyPermissionEdit(st, args[1], args[2:], true)
		return true
	}

	if args[0] == "revoke" && len(args) > 2 {
		applyPermissionEdit(st, args[1], args[2:], false)
		return true
	}

	fmt.Fprintln(os.Stderr, "Usage: nexusd users [list|create <name> <pass> [admin]|promote <name>|demote <name>|grant <name> <perm...>|revoke <name> <perm...>]")
	os.Exit(1)
	return true
}

func applyPermissionEdit(st *store.Store, username string, permNames []string, grant bool) {
	current, ok := st.PermissionsOf(username)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown user %q\n", username)
		os.Exit(1)
	}
	delta := session.PermissionNamesToSet(permNames)
	var final session.PermissionSet
	if grant {
		final = current | delta
	} else {
		final = current &^ delta
	}
	if err := st.SetPermissions(username, final); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s permissions: %v\n", username, final.Names())
}

func cliBans(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		rules, err := st.ListIPRules()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range rules {
			fmt.Printf("  [%s] %s  note=%q\n", r.Kind, r.Key, r.NicknameAnnotation)
		}
		return true
	}

	if args[0] == "add" && len(args) > 1 {
		key := args[1]
		note := ""
		if len(args) > 2 {
			note = args[2]
		}
		if err := st.InsertBan(key, zeroTime, note, "cli"); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Banned %s\n", key)
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		if err := st.RemoveBan(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Removed ban on %s\n", args[1])
		return true
	}

	fmt.Fprintln(os.Stderr, "Usage: nexusd bans [list|add <ip-or-cidr> [note]|remove <ip-or-cidr>]")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	outPath := "nexus-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
