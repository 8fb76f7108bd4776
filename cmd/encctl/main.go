// Command encctl provisions keys and encrypts, decrypts and shares files
// with per-recipient wrapped file keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/multikey-encryption/internal/config"
	"github.com/kenneth/multikey-encryption/internal/crypto"
	"github.com/kenneth/multikey-encryption/internal/keystore"
)

var (
	version = "dev"
	commit  = "unknown"
)

const usage = `usage: encctl [-config path] [-v] <command> [flags]

commands:
  init-user        create the key pair of a user
  init-system-key  create the recovery or public share key pair
  check-password   verify a password against a stored private key
  encrypt          encrypt a local file for a storage path
  decrypt          decrypt a local file stored under a storage path
  share            re-wrap the key of a file for a new access list
  header           print the header of an encrypted file
  serve            expose metrics and reload configuration on change
  version          print version information
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("encctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	configPath := global.String("config", defaultConfig, "Path to the configuration file")
	verbose := global.Bool("v", false, "Enable debug logging")

	if err := global.Parse(args); err != nil {
		return 2
	}
	if global.NArg() == 0 {
		global.Usage()
		return 2
	}
	name, rest := global.Arg(0), global.Args()[1:]

	if name == "version" {
		fmt.Fprintf(stdout, "encctl %s (%s)\n", version, commit)
		return 0
	}

	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Error("Failed to load configuration")
		return 1
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	if *verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		return 1
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.WithError(err).Warn("Shutdown incomplete")
		}
	}()

	cmd := &command{app: a, stdin: stdin, stdout: stdout, stderr: stderr, configPath: *configPath}
	if err := cmd.dispatch(ctx, name, rest); err != nil {
		if err == flag.ErrHelp {
			return 2
		}
		logger.WithError(err).WithField("command", name).Error("Command failed")
		return 1
	}
	return 0
}

type command struct {
	app        *app
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	configPath string
}

func (c *command) dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "init-user":
		return c.initUser(ctx, args)
	case "init-system-key":
		return c.initSystemKey(ctx, args)
	case "check-password":
		return c.checkPassword(ctx, args)
	case "encrypt":
		return c.encrypt(ctx, args)
	case "decrypt":
		return c.decrypt(ctx, args)
	case "share":
		return c.share(ctx, args)
	case "header":
		return c.header(args)
	case "serve":
		return c.serve(ctx, args)
	default:
		fmt.Fprint(c.stderr, usage)
		return fmt.Errorf("unknown command %q", name)
	}
}

func (c *command) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// credentialFlags adds -user and -password. The password falls back to
// ENCCTL_PASSWORD so it stays out of the process list.
func credentialFlags(fs *flag.FlagSet) (user, password *string) {
	user = fs.String("user", "", "Acting user id")
	password = fs.String("password", os.Getenv("ENCCTL_PASSWORD"), "Password of the acting user (default $ENCCTL_PASSWORD)")
	return user, password
}

func accessFlags(fs *flag.FlagSet) (share *string, public *bool) {
	share = fs.String("share", "", "Comma separated users the file is shared with")
	public = fs.Bool("public", false, "File is reachable through a public link")
	return share, public
}

func accessList(share string, public bool) keystore.AccessList {
	var users []string
	for _, u := range strings.Split(share, ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	return keystore.AccessList{Users: users, Public: public}
}

func required(values map[string]string) error {
	for name, v := range values {
		if v == "" {
			return fmt.Errorf("-%s is required", name)
		}
	}
	return nil
}

func (c *command) initUser(ctx context.Context, args []string) error {
	fs := c.flagSet("init-user")
	user, password := credentialFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"user": *user, "password": *password}); err != nil {
		return err
	}

	created, err := c.app.keys.InitUserKeys(ctx, *user, *password)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(c.stdout, "created key pair for %s\n", *user)
	} else {
		fmt.Fprintf(c.stdout, "key pair for %s already exists\n", *user)
	}
	return nil
}

func (c *command) initSystemKey(ctx context.Context, args []string) error {
	fs := c.flagSet("init-system-key")
	keyID := fs.String("key-id", c.app.cfg.Encryption.RecoveryKeyID, "System key id (default: the recovery key id)")
	password := fs.String("password", os.Getenv("ENCCTL_PASSWORD"), "Password protecting the system key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"key-id": *keyID}); err != nil {
		return err
	}

	created, err := c.app.keys.InitSystemKey(ctx, *keyID, *password)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(c.stdout, "created system key %s\n", *keyID)
	} else {
		fmt.Fprintf(c.stdout, "system key %s already exists\n", *keyID)
	}
	return nil
}

func (c *command) checkPassword(ctx context.Context, args []string) error {
	fs := c.flagSet("check-password")
	user, password := credentialFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"user": *user}); err != nil {
		return err
	}
	if err := c.app.login(ctx, *user, *password); err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "password ok")
	return nil
}

// ioFlags adds -in and -out; "-" or empty means stdin and stdout.
func ioFlags(fs *flag.FlagSet) (in, out *string) {
	in = fs.String("in", "-", "Input file")
	out = fs.String("out", "-", "Output file")
	return in, out
}

func (c *command) openIO(in, out string) (io.Reader, io.Writer, func() error, error) {
	var r io.Reader = c.stdin
	var w io.Writer = c.stdout
	var closers []io.Closer

	if in != "-" && in != "" {
		f, err := os.Open(in)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open input: %w", err)
		}
		r = f
		closers = append(closers, f)
	}
	if out != "-" && out != "" {
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			for _, cl := range closers {
				cl.Close()
			}
			return nil, nil, nil, fmt.Errorf("failed to create output: %w", err)
		}
		w = f
		closers = append(closers, f)
	}

	closeAll := func() error {
		var first error
		for _, cl := range closers {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return r, w, closeAll, nil
}

func (c *command) encrypt(ctx context.Context, args []string) error {
	fs := c.flagSet("encrypt")
	user, password := credentialFlags(fs)
	path := fs.String("path", "", "Storage path of the file, e.g. /user1/files/report.txt")
	existingPath := fs.String("existing", "", "Current encrypted version of the file when replacing it")
	share, public := accessFlags(fs)
	in, out := ioFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"user": *user, "path": *path}); err != nil {
		return err
	}
	if err := c.app.login(ctx, *user, *password); err != nil {
		return err
	}

	var existing *crypto.Header
	if *existingPath != "" {
		h, err := headerOf(*existingPath)
		if err != nil {
			return err
		}
		existing = h
	}

	r, w, closeAll, err := c.openIO(*in, *out)
	if err != nil {
		return err
	}
	if err := c.app.encrypt(ctx, *user, *path, existing, accessList(*share, *public), r, w); err != nil {
		closeAll()
		return err
	}
	return closeAll()
}

// headerOf reads the header of the encrypted file at name. The file is read
// before the output is truncated, so it may be the same as -out.
func headerOf(name string) (*crypto.Header, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open existing file: %w", err)
	}
	defer f.Close()
	return readHeader(f)
}

func (c *command) decrypt(ctx context.Context, args []string) error {
	fs := c.flagSet("decrypt")
	user, password := credentialFlags(fs)
	path := fs.String("path", "", "Storage path the file was encrypted for")
	in, out := ioFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"user": *user, "path": *path}); err != nil {
		return err
	}
	if err := c.app.login(ctx, *user, *password); err != nil {
		return err
	}

	r, w, closeAll, err := c.openIO(*in, *out)
	if err != nil {
		return err
	}
	if err := c.app.decrypt(ctx, *user, *path, r, w); err != nil {
		closeAll()
		return err
	}
	return closeAll()
}

func (c *command) share(ctx context.Context, args []string) error {
	fs := c.flagSet("share")
	user, password := credentialFlags(fs)
	path := fs.String("path", "", "Storage path of the file")
	share, public := accessFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(map[string]string{"user": *user, "path": *path}); err != nil {
		return err
	}
	if err := c.app.login(ctx, *user, *password); err != nil {
		return err
	}

	changed, err := c.app.sessions.UpdateAccess(ctx, *path, *user, accessList(*share, *public))
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(c.stdout, "updated recipients of %s\n", *path)
	} else {
		fmt.Fprintf(c.stdout, "%s has no file key, nothing to update\n", *path)
	}
	return nil
}

func (c *command) header(args []string) error {
	fs := c.flagSet("header")
	in := fs.String("in", "-", "Encrypted file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, _, closeAll, err := c.openIO(*in, "-")
	if err != nil {
		return err
	}
	defer closeAll()
	return printHeader(r, c.stdout)
}
