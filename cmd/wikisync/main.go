package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/astromechza/wikisync/pkg/awareness"
	"github.com/astromechza/wikisync/pkg/config"
	"github.com/astromechza/wikisync/pkg/discovery"
	"github.com/astromechza/wikisync/pkg/document"
	"github.com/astromechza/wikisync/pkg/identity"
	"github.com/astromechza/wikisync/pkg/session"
	"github.com/astromechza/wikisync/pkg/storage"
	"github.com/astromechza/wikisync/pkg/transport"
)

const version = "0.1.0"

const usage = `Wiki page sync client.

Usage:
    wikisync edit [--config=<path>] [--server=<url>] [--token=<token>] [--user=<id>] [--name=<name>] <page>
    wikisync token [--config=<path>] <user> <name>
    wikisync discover [--config=<path>] [--timeout=<duration>]
    wikisync -h | --help
    wikisync --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        A toml config file.
    --server=<url>         Base url of the relay, overrides client.server_url.
    --token=<token>        Bearer token, overrides client.token.
    --user=<id>            User id to present when there is no token.
    --name=<name>          Display name shown to other editors.
    --timeout=<duration>   How long to browse for relays [default: 3s].

Editing commands, one per line:
    p <text>               Append a paragraph.
    h<1-6> <text>          Append a heading.
    a <block> <text>       Append text to a block.
    d <block>              Delete a block.
    cursor <block> <pos>   Move the cursor.
    undo | redo | show | who | quit`

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		return err
	}
	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))

	if edit, _ := opts.Bool("edit"); edit {
		return editPage(opts, cfg)
	} else if token, _ := opts.Bool("token"); token {
		return issueToken(opts, cfg)
	} else if disc, _ := opts.Bool("discover"); disc {
		return discover(opts, cfg)
	}
	return nil
}

func issueToken(opts docopt.Opts, cfg config.Config) error {
	if cfg.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is not configured")
	}
	userID, _ := opts.String("<user>")
	name, _ := opts.String("<name>")
	token, err := identity.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL).Issue(identity.Identity{UserID: userID, DisplayName: name})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func discover(opts docopt.Opts, cfg config.Config) error {
	raw, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	servers, err := discovery.Browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain)
	if err != nil {
		return err
	}
	for _, s := range servers {
		fmt.Printf("%s\t%s\tv%s\n", s.Instance, s.URL(), s.Version)
	}
	if len(servers) == 0 {
		slog.Warn("no relays found", "service", cfg.Discovery.Service)
	}
	return nil
}

func editPage(opts docopt.Opts, cfg config.Config) error {
	pageID, _ := opts.String("<page>")
	if v, _ := opts.String("--server"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v, _ := opts.String("--token"); v != "" {
		cfg.Client.Token = v
	}
	who := identity.Identity{}
	who.UserID, _ = opts.String("--user")
	who.DisplayName, _ = opts.String("--name")
	if who.DisplayName == "" {
		if u, err := user.Current(); err == nil {
			who.DisplayName = u.Username
		}
	}
	if who.UserID == "" {
		who.UserID = who.DisplayName
	}

	tcfg := transport.DefaultConfig()
	tcfg.HandshakeTimeout = cfg.Client.HandshakeTimeout
	tcfg.ResyncInterval = cfg.Client.ResyncInterval
	tcfg.InitialInterval = cfg.Client.InitialInterval
	tcfg.MaxInterval = cfg.Client.MaxInterval
	tcfg.MaxAttempts = uint64(cfg.Client.MaxAttempts)

	ctx := context.Background()
	sess, err := session.Open(ctx, session.Config{
		PageID:           pageID,
		ServerURL:        cfg.Client.ServerURL,
		Identity:         who,
		Token:            cfg.Client.Token,
		Transport:        tcfg,
		Quiescence:       cfg.Client.Quiescence,
		CaptureTimeout:   cfg.Client.CaptureTimeout,
		SettleWindow:     cfg.Client.SettleWindow,
		AwarenessTimeout: cfg.Client.AwarenessTimeout,
		Logger:           slog.Default(),
	}, storage.NewClient(cfg.Client.ServerURL, cfg.Client.Token))
	if err != nil {
		return err
	}
	sess.OnEvent(func(ev session.Event) {
		switch ev.Kind {
		case session.EventPhase:
			slog.Info("phase", "phase", ev.Phase)
		case session.EventSeeded:
			slog.Info("seeded page from storage")
		case session.EventError:
			slog.Error("session error", "err", ev.Err)
		}
	})

	if err := runEditor(sess, os.Stdin, os.Stdout); err != nil {
		_ = sess.Close()
		return err
	}
	unloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return sess.Unload(unloadCtx)
}

func runEditor(sess *session.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		var err error
		switch {
		case cmd == "quit" || cmd == "q":
			return nil
		case cmd == "show":
			for i, b := range sess.Blocks() {
				fmt.Fprintf(out, "%3d %-10s %s\n", i, b.Type, b.Text)
			}
		case cmd == "who":
			for _, p := range sess.Presence() {
				fmt.Fprintf(out, "%s %s %v\n", p.ClientID, p.DisplayName, p.Cursor)
			}
		case cmd == "undo":
			_, err = sess.Undo()
		case cmd == "redo":
			_, err = sess.Redo()
		case cmd == "p":
			sess.StopCapturing()
			_, err = sess.Apply(document.InsertBlock(len(sess.Blocks()), document.Paragraph(rest)))
		case len(cmd) == 2 && cmd[0] == 'h':
			level, perr := strconv.Atoi(cmd[1:])
			if perr != nil {
				err = fmt.Errorf("invalid heading level %q", cmd[1:])
				break
			}
			sess.StopCapturing()
			_, err = sess.Apply(document.InsertBlock(len(sess.Blocks()), document.Heading(level, rest)))
		case cmd == "a":
			raw, text, _ := strings.Cut(rest, " ")
			var block int
			if block, err = blockIndex(sess, raw); err == nil {
				_, err = sess.Apply(document.InsertText(block, len([]rune(sess.Blocks()[block].Text)), text))
			}
		case cmd == "d":
			var block int
			if block, err = blockIndex(sess, rest); err == nil {
				sess.StopCapturing()
				_, err = sess.Apply(document.DeleteBlock(block))
			}
		case cmd == "cursor":
			raw, posRaw, _ := strings.Cut(rest, " ")
			var block, pos int
			if block, err = blockIndex(sess, raw); err == nil {
				if pos, err = strconv.Atoi(posRaw); err == nil {
					sess.SetCursor(&awareness.Cursor{Block: block, Anchor: pos, Head: pos})
				}
			}
		default:
			err = fmt.Errorf("unknown command %q", cmd)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func blockIndex(sess *session.Session, raw string) (int, error) {
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid block index %q", raw)
	}
	if i < 0 || i >= len(sess.Blocks()) {
		return 0, fmt.Errorf("block %d out of range", i)
	}
	return i, nil
}
