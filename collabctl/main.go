package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"codepad.io/collab/collab"
)

const CollabCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default config file is %s/.collab/config.yaml.
Values can be overridden with COLLAB_* environment variables,
e.g. COLLAB_API_URL, COLLAB_SYNC_DEBOUNCEWINDOW.

Usage:
    collabctl register [--config=<config>] --username=<username> --email=<email>
    collabctl login [--config=<config>] --user=<user>
    collabctl logout [--config=<config>]
    collabctl verify [--config=<config>]
    collabctl whoami [--config=<config>]
    collabctl change-password [--config=<config>]
    collabctl default [--config=<config>]
    collabctl list [--config=<config>]
    collabctl create [--config=<config>]
    collabctl check-slug [--config=<config>] <slug>
    collabctl get [--config=<config>] <slug>
    collabctl put [--config=<config>] <slug> [--file=<file>] [--language=<language>]
    collabctl watch [--config=<config>] <slug>
    collabctl passkey [--config=<config>] <slug> <key>
    collabctl delete [--config=<config>] <slug>
    collabctl send-otp [--config=<config>] --email=<email>
    collabctl reset-password [--config=<config>] --email=<email>
    collabctl prefs [--config=<config>]
    collabctl prefs set [--config=<config>] <key> <value>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<config>        Config file path.
    --username=<username>
    --email=<email>
    --user=<user>            Email or username.
    --file=<file>            Read content from this file instead of stdin.
    --language=<language>    Language tag to save with the content.`,
		homeDir(),
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if register_, _ := opts.Bool("register"); register_ {
		register(opts)
	} else if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	} else if verify_, _ := opts.Bool("verify"); verify_ {
		verify(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if changePassword_, _ := opts.Bool("change-password"); changePassword_ {
		changePassword(opts)
	} else if default_, _ := opts.Bool("default"); default_ {
		defaultCodespace(opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(opts)
	} else if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if checkSlug_, _ := opts.Bool("check-slug"); checkSlug_ {
		checkSlug(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		getCodespace(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		putCodespace(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if passkey_, _ := opts.Bool("passkey"); passkey_ {
		passkey(opts)
	} else if delete_, _ := opts.Bool("delete"); delete_ {
		deleteCodespace(opts)
	} else if sendOtp_, _ := opts.Bool("send-otp"); sendOtp_ {
		sendOtp(opts)
	} else if resetPassword_, _ := opts.Bool("reset-password"); resetPassword_ {
		resetPassword(opts)
	} else if prefs_, _ := opts.Bool("prefs"); prefs_ {
		prefs(opts)
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

type clients struct {
	config  *collab.Config
	store   collab.KeyValueStore
	api     *collab.CollabApi
	session *collab.Session
}

func newClients(ctx context.Context, opts docopt.Opts) *clients {
	configPath, _ := opts.String("--config")
	if configPath == "" {
		configPath = homeDir() + "/.collab/config.yaml"
	}
	config, err := collab.LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("load config: %s", err)
	}
	store, err := collab.NewFileStore(config.State.Path)
	if err != nil {
		Err.Fatalf("open state store: %s", err)
	}
	api := collab.NewCollabApiWithContext(ctx, config.Api.Url)
	session := collab.NewSession(ctx, api, store, config.SessionSettings())
	return &clients{
		config:  config,
		store:   store,
		api:     api,
		session: session,
	}
}

func promptPassword(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("read password: %s", err)
	}
	return string(passwordBytes)
}

func register(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	username, _ := opts.String("--username")
	email, _ := opts.String("--email")
	password := promptPassword("Password: ")

	user, err := c.session.Register(username, email, password)
	if err != nil {
		Err.Fatalf("register: %s", err)
	}
	Out.Printf("registered as %s", user.Username)
}

func login(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	emailOrUsername, _ := opts.String("--user")
	password := promptPassword("Password: ")

	user, err := c.session.Login(emailOrUsername, password)
	if err != nil {
		Err.Fatalf("login: %s", err)
	}
	Out.Printf("logged in as %s", user.Username)
}

func logout(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	c.session.Logout()
	Out.Printf("logged out")
}

func verify(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	user, err := c.session.Verify()
	if err != nil {
		Err.Fatalf("verify: %s", err)
	}
	Out.Printf("session valid for %s", user.Username)
}

func whoami(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	result, err := c.api.GetMeSync()
	if err != nil {
		Err.Fatalf("whoami: %s", err)
	}
	if result.User == nil {
		Err.Fatalf("not logged in")
	}
	Out.Printf("%s <%s>", result.User.Username, result.User.Email)
}

func changePassword(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)

	currentPassword := promptPassword("Current password: ")
	newPassword := promptPassword("New password: ")
	confirm := promptPassword("Confirm password: ")
	if newPassword != confirm {
		Err.Fatalf("passwords do not match")
	}
	if len(newPassword) < 6 {
		Err.Fatalf("password must be at least 6 characters")
	}

	if _, err := c.api.ChangePasswordSync(&collab.ChangePasswordArgs{
		CurrentPassword: currentPassword,
		NewPassword:     newPassword,
	}); err != nil {
		if collab.IsUnauthorized(err) {
			Err.Fatalf("current password is incorrect")
		}
		Err.Fatalf("change password: %s", err)
	}
	Out.Printf("password changed")
}

func defaultCodespace(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	result, err := c.api.DefaultCodespaceSync()
	if err != nil {
		Err.Fatalf("default codespace: %s", err)
	}
	if result.DefaultCodespace != "" {
		Out.Printf("%s", result.DefaultCodespace)
	} else {
		Out.Printf("%s", result.Username)
	}
}

func newDirectory(cancelCtx context.Context, c *clients) (*collab.Directory, *collab.Channel) {
	channel := collab.NewChannelWithDefaults(cancelCtx, c.config.Socket.Url, c.session.Token)
	directory := collab.NewDirectory(cancelCtx, c.api, channel, c.session)
	return directory, channel
}

func list(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	directory, channel := newDirectory(cancelCtx, c)
	defer channel.Close()
	defer directory.Close()

	codespaces, err := directory.FetchAll()
	if err != nil {
		Err.Fatalf("list: %s", err)
	}
	for _, codespace := range codespaces {
		marker := " "
		if codespace.IsDefault {
			marker = "*"
		}
		Out.Printf("%s %-16s %-8s %s", marker, codespace.Slug, codespace.AccessType, codespace.Language)
	}
}

func create(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	directory, channel := newDirectory(cancelCtx, c)
	defer channel.Close()
	defer directory.Close()

	slug, err := directory.Create()
	if err != nil {
		Err.Fatalf("create: %s", err)
	}
	Out.Printf("%s", slug)
}

func checkSlug(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")
	result, err := c.api.CheckSlugSync(slug)
	if err != nil {
		Err.Fatalf("check slug: %s", err)
	}
	if result.Available {
		Out.Printf("available")
	} else {
		Out.Printf("taken")
	}
}

func getCodespace(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")
	result, err := c.api.GetCodespaceSync(slug)
	if err != nil {
		if collab.IsAccessDenied(err) {
			Err.Fatalf("access denied")
		}
		Err.Fatalf("get: %s", err)
	}
	if result.Data != nil {
		fmt.Print(result.Data.Content)
	}
}

// openSync opens a sync client and blocks until it settles into a terminal
// or ready state.
func openSync(cancelCtx context.Context, c *clients, slug string) *collab.CodespaceSync {
	channel := collab.NewChannelWithDefaults(cancelCtx, c.config.Socket.Url, c.session.Token)

	sync, err := collab.OpenCodespaceSync(cancelCtx, channel, c.api, c.session, slug, c.config.SyncSettings())
	if err != nil {
		Err.Fatalf("open %s: %s", slug, err)
	}

	ready := make(chan struct{})
	unsub := sync.AddStateCallback(func(state collab.SyncState, err error) {
		switch state {
		case collab.SyncStateReady:
			select {
			case <-ready:
			default:
				close(ready)
			}
		case collab.SyncStateAccessDenied:
			Err.Fatalf("access denied: %s", err)
		case collab.SyncStateError:
			Err.Fatalf("sync error: %s", err)
		}
	})
	defer unsub()

	select {
	case <-ready:
	case <-time.After(30 * time.Second):
		Err.Fatalf("timeout waiting for %s", slug)
	}
	return sync
}

func putCodespace(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")

	var content []byte
	if filePath, _ := opts.String("--file"); filePath != "" {
		var err error
		content, err = os.ReadFile(filePath)
		if err != nil {
			Err.Fatalf("read %s: %s", filePath, err)
		}
	} else {
		var err error
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			Err.Fatalf("read stdin: %s", err)
		}
	}

	language, _ := opts.String("--language")
	if language == "" {
		language, _ = collab.DetectLanguage(string(content))
	}

	sync := openSync(cancelCtx, c, slug)
	defer sync.Close()

	if err := sync.SubmitLocalEdit(string(content), language); err != nil {
		Err.Fatalf("edit %s: %s", slug, err)
	}
	sync.Flush()
	Out.Printf("saved %s (%s)", slug, language)
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")

	sync := openSync(cancelCtx, c, slug)
	defer sync.Close()

	content, language := sync.Content()
	Out.Printf("--- %s (%s)", slug, language)
	fmt.Println(content)

	unsub := sync.AddContentCallback(func(content string, language string) {
		Out.Printf("--- update (%s)", language)
		fmt.Println(content)
	})
	defer unsub()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func passkey(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")
	key, _ := opts.String("<key>")

	result, err := c.api.VerifyPasskeySync(slug, &collab.VerifyPasskeyArgs{Passkey: key})
	if err != nil {
		Err.Fatalf("passkey: %s", err)
	}
	Out.Printf("%s", result.Status)
}

func deleteCodespace(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	slug, _ := opts.String("<slug>")
	if _, err := c.api.DeleteCodespaceSync(slug); err != nil {
		Err.Fatalf("delete: %s", err)
	}
	Out.Printf("deleted %s", slug)
}

func sendOtp(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	email, _ := opts.String("--email")
	if _, err := c.api.SendOtpSync(&collab.SendOtpArgs{Email: email}); err != nil {
		Err.Fatalf("send otp: %s", err)
	}
	Out.Printf("otp sent to %s", email)
}

func resetPassword(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	email, _ := opts.String("--email")

	fmt.Fprint(os.Stderr, "OTP code: ")
	var otp string
	fmt.Scanln(&otp)
	if _, err := c.api.VerifyOtpSync(&collab.VerifyOtpArgs{Email: email, Otp: otp}); err != nil {
		Err.Fatalf("verify otp: %s", err)
	}

	newPassword := promptPassword("New password: ")
	confirm := promptPassword("Confirm password: ")
	if newPassword != confirm {
		Err.Fatalf("passwords do not match")
	}
	if len(newPassword) < 6 {
		Err.Fatalf("password must be at least 6 characters")
	}
	if _, err := c.api.ResetPasswordSync(&collab.ResetPasswordArgs{
		Email:       email,
		NewPassword: newPassword,
	}); err != nil {
		Err.Fatalf("reset password: %s", err)
	}
	Out.Printf("password reset")
}

func prefs(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClients(cancelCtx, opts)
	preferences := collab.NewPreferences(c.store)

	if set_, _ := opts.Bool("set"); set_ {
		key, _ := opts.String("<key>")
		value, _ := opts.String("<value>")
		setPref(preferences, key, value)
	}

	Out.Printf("dark_mode          %t", preferences.DarkMode())
	Out.Printf("font_size          %d", preferences.FontSize())
	Out.Printf("minimap            %t", preferences.MinimapEnabled())
	Out.Printf("language_detection %t", preferences.LanguageDetectionEnabled())
	Out.Printf("fullscreen         %t", preferences.Fullscreen())
}

func setPref(preferences *collab.Preferences, key string, value string) {
	switch key {
	case "dark_mode":
		preferences.SetDarkMode(parseBool(value))
	case "font_size":
		fontSize, err := strconv.Atoi(value)
		if err != nil {
			Err.Fatalf("invalid font size: %s", value)
		}
		preferences.SetFontSize(fontSize)
	case "minimap":
		preferences.SetMinimapEnabled(parseBool(value))
	case "language_detection":
		preferences.SetLanguageDetectionEnabled(parseBool(value))
	case "fullscreen":
		preferences.SetFullscreen(parseBool(value))
	default:
		Err.Fatalf("unknown preference: %s", key)
	}
}

func parseBool(value string) bool {
	b, err := strconv.ParseBool(value)
	if err != nil {
		Err.Fatalf("invalid boolean: %s", value)
	}
	return b
}
