// Command openplay is an interactive console for hosting, joining and
// inspecting game sessions over the built-in network modules.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/desertbit/grumble"

	"github.com/linchenxuan/openplay"
	"github.com/linchenxuan/openplay/log"
	"github.com/linchenxuan/openplay/plugin"
	"github.com/linchenxuan/openplay/session"
)

const banner = `
   ___                   ____  _
  / _ \ _ __   ___ _ __ |  _ \| | __ _ _   _
 | | | | '_ \ / _ \ '_ \| |_) | |/ _' | | | |
 | |_| | |_) |  __/ | | |  __/| | (_| | |_| |
  \___/| .__/ \___|_| |_|_|   |_|\__,_|\__, |
       |_|                             |___/
`

var errNoSession = errors.New("no game session, use 'host' or 'join' first")

// console is the state behind the commands. At most one session is open.
type console struct {
	app *openplay.OpenPlay

	mu     sync.Mutex
	host   *session.Host
	client *session.Client
}

func (c *console) game() (*session.Game, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.host != nil:
		return c.host.Game, nil
	case c.client != nil:
		return c.client.Game, nil
	}
	return nil, errNoSession
}

func (c *console) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host != nil || c.client != nil
}

func (c *console) watch(g *session.Game) {
	g.InstallCallbackHandler(func(_ *session.Game, code plugin.Code, err error) {
		log.Info().Str("event", code.String()).Err(err).Msg("transport event")
	})
}

// leave closes whatever session is open.
func (c *console) leave() error {
	c.mu.Lock()
	host, client := c.host, c.client
	c.host, c.client = nil, nil
	c.mu.Unlock()

	switch {
	case host != nil:
		return host.Close()
	case client != nil:
		return client.Close()
	}
	return errNoSession
}

func parsePlayerID(s string) (session.PlayerID, error) {
	switch s {
	case "all":
		return session.AllPlayers, nil
	case "host":
		return session.HostOnly, nil
	}
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("player id %q: %w", s, err)
	}
	return session.PlayerID(id), nil
}

func moduleFlags(f *grumble.Flags) {
	f.String("m", "module", "", "module type tag, e.g. Inet, Kcp, Loop")
	f.Int("g", "game", 0, "game id")
	f.String("o", "options", "", "serialized module configuration")
}

// applyModuleFlags overrides the configured module selection.
func (c *console) applyModuleFlags(flags grumble.FlagMap) {
	cfg := c.app.Cfg
	if m := flags.String("module"); m != "" {
		cfg.Module = m
	}
	if g := flags.Int("game"); g > 0 {
		cfg.GameID = uint32(g)
	}
	if o := flags.String("options"); o != "" {
		cfg.ModuleConfig = o
	}
}

// addCommands registers all commands with the application.
func (c *console) addCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name:    "modules",
		Aliases: []string{"mods"},
		Help:    "list discovered network modules",
		Run: func(ctx *grumble.Context) error {
			infos, err := c.app.Modules()
			if err != nil {
				return err
			}
			ctx.App.Println(RenderModules(infos))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "host",
		Help: "host a game",
		Flags: func(f *grumble.Flags) {
			moduleFlags(f)
			f.String("n", "name", "", "game name")
			f.String("p", "password", "", "join password")
			f.String("P", "player", "", "also play under this name")
			f.Int("x", "max", 0, "maximum players, 0 for no limit")
			f.Bool("a", "advertise", false, "answer enumeration requests")
		},
		Run: func(ctx *grumble.Context) error {
			if c.busy() {
				return errors.New("a session is already open, use 'leave' first")
			}
			c.applyModuleFlags(ctx.Flags)
			hcfg := &c.app.Cfg.Host
			if n := ctx.Flags.String("name"); n != "" {
				hcfg.GameName = n
			}
			if p := ctx.Flags.String("password"); p != "" {
				hcfg.Password = p
			}
			if p := ctx.Flags.String("player"); p != "" {
				hcfg.PlayerName = p
			}
			if x := ctx.Flags.Int("max"); x > 0 {
				hcfg.MaxPlayers = x
			}
			hcfg.Advertise = hcfg.Advertise || ctx.Flags.Bool("advertise")

			h, err := c.app.Host()
			if err != nil {
				return err
			}
			c.watch(h.Game)
			c.mu.Lock()
			c.host = h
			c.mu.Unlock()
			ctx.App.SetPrompt(fmt.Sprintf("%s (host) » ", h.Info().Name))
			log.Info().Str("game", h.Info().Name).Int32("me", int32(h.MyID())).Msg("hosting")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "join",
		Help: "join a hosted game",
		Flags: func(f *grumble.Flags) {
			moduleFlags(f)
			f.String("n", "name", "", "player name")
			f.String("p", "password", "", "join password")
			f.Duration("w", "wait", 10*time.Second, "how long to wait for the host's answer")
		},
		Run: func(ctx *grumble.Context) error {
			if c.busy() {
				return errors.New("a session is already open, use 'leave' first")
			}
			c.applyModuleFlags(ctx.Flags)
			jcfg := &c.app.Cfg.Join
			if n := ctx.Flags.String("name"); n != "" {
				jcfg.Name = n
			}
			if p := ctx.Flags.String("password"); p != "" {
				jcfg.Password = p
			}

			cl, err := c.app.Join()
			if err != nil {
				return err
			}
			wctx, cancel := context.WithTimeout(context.Background(), ctx.Flags.Duration("wait"))
			defer cancel()
			if err := cl.WaitForJoin(wctx); err != nil {
				_ = cl.Close()
				return err
			}
			c.watch(cl.Game)
			c.mu.Lock()
			c.client = cl
			c.mu.Unlock()
			ctx.App.SetPrompt(fmt.Sprintf("player %d » ", cl.MyID()))
			log.Info().Int32("me", int32(cl.MyID())).Int32("differential", cl.Differential()).Msg("joined")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "send",
		Help: "send a text message: send <to|all|host> <what> <text...>",
		Flags: func(f *grumble.Flags) {
			f.Bool("r", "registered", false, "send on the reliable stream")
			f.Bool("s", "self", false, "also deliver a local copy")
		},
		Args: func(a *grumble.Args) {
			a.String("to", "player id, group id, 'all' or 'host'")
			a.String("what", "user message kind")
			a.StringList("text", "message text")
		},
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			to, err := parsePlayerID(ctx.Args.String("to"))
			if err != nil {
				return err
			}
			what, err := strconv.ParseUint(ctx.Args.String("what"), 10, 32)
			if err != nil {
				return fmt.Errorf("message kind: %w", err)
			}
			text := strings.Join(ctx.Args.StringList("text"), " ")
			flags := session.SendNormal
			if ctx.Flags.Bool("registered") {
				flags |= session.SendRegistered
			}
			if ctx.Flags.Bool("self") {
				flags |= session.SendSelf
			}
			return g.Send(to, session.What(what), []byte(text), flags)
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "recv",
		Aliases: []string{"messages"},
		Help:    "show and release queued messages",
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			var msgs []*session.Message
			for m := g.MessageGet(); m != nil; m = g.MessageGet() {
				msgs = append(msgs, m)
			}
			if len(msgs) == 0 {
				log.Info().Msg("no messages")
				return nil
			}
			ctx.App.Println(RenderMessages(msgs))
			for _, m := range msgs {
				g.FreeMessage(m)
			}
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "players",
		Help: "list players",
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			ctx.App.Println(RenderPlayers(g.Players(), g.MyID()))
			return nil
		},
	})

	groups := &grumble.Command{
		Name: "groups",
		Help: "list and manage groups",
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			ctx.App.Println(RenderGroups(g.Groups()))
			return nil
		},
	}
	groups.AddCommand(&grumble.Command{
		Name: "create",
		Help: "create a group",
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			id, err := g.GroupCreate()
			if err != nil {
				return err
			}
			log.Info().Int32("group", int32(id)).Msg("group created")
			return nil
		},
	})
	groups.AddCommand(&grumble.Command{
		Name: "delete",
		Help: "delete a group",
		Args: func(a *grumble.Args) { a.String("group", "group id") },
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			gid, err := parsePlayerID(ctx.Args.String("group"))
			if err != nil {
				return err
			}
			return g.GroupDelete(gid)
		},
	})
	for _, op := range []struct {
		name, help string
		fn         func(g *session.Game, gid session.GroupID, id session.PlayerID) error
	}{
		{"add", "add a player to a group", (*session.Game).GroupAddPlayer},
		{"remove", "remove a player from a group", (*session.Game).GroupRemovePlayer},
	} {
		groups.AddCommand(&grumble.Command{
			Name: op.name,
			Help: op.help,
			Args: func(a *grumble.Args) {
				a.String("group", "group id")
				a.String("player", "player id")
			},
			Run: func(ctx *grumble.Context) error {
				g, err := c.game()
				if err != nil {
					return err
				}
				gid, err := parsePlayerID(ctx.Args.String("group"))
				if err != nil {
					return err
				}
				id, err := parsePlayerID(ctx.Args.String("player"))
				if err != nil {
					return err
				}
				return op.fn(g, gid, id)
			},
		})
	}
	app.AddCommand(groups)

	for _, op := range []struct {
		name, help string
		fn         func(h *session.Host) error
	}{
		{"pause", "pause the hosted game", (*session.Host).Pause},
		{"resume", "resume the hosted game", (*session.Host).Resume},
	} {
		app.AddCommand(&grumble.Command{
			Name: op.name,
			Help: op.help,
			Run: func(ctx *grumble.Context) error {
				c.mu.Lock()
				h := c.host
				c.mu.Unlock()
				if h == nil {
					return session.ErrNotHost
				}
				return op.fn(h)
			},
		})
	}

	app.AddCommand(&grumble.Command{
		Name: "kick",
		Help: "remove a player from the hosted game",
		Args: func(a *grumble.Args) { a.String("player", "player id") },
		Run: func(ctx *grumble.Context) error {
			c.mu.Lock()
			h := c.host
			c.mu.Unlock()
			if h == nil {
				return session.ErrNotHost
			}
			id, err := parsePlayerID(ctx.Args.String("player"))
			if err != nil {
				return err
			}
			return h.RemovePlayer(id)
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "enumerate",
		Aliases: []string{"scan"},
		Help:    "list hosts advertising a game",
		Flags: func(f *grumble.Flags) {
			moduleFlags(f)
			f.Duration("w", "wait", 2*time.Second, "how long to listen for answers")
		},
		Run: func(ctx *grumble.Context) error {
			c.applyModuleFlags(ctx.Flags)
			cfg, err := c.app.Config("")
			if err != nil {
				return err
			}
			defer func() { _ = c.app.Context.DisposeConfig(cfg) }()

			var mu sync.Mutex
			items := make(map[uint32]plugin.EnumItem)
			err = c.app.Context.StartEnumeration(cfg, func(code plugin.EnumCode, item plugin.EnumItem) {
				mu.Lock()
				defer mu.Unlock()
				switch code {
				case plugin.EnumAdd:
					items[item.ID] = item
				case plugin.EnumDelete:
					delete(items, item.ID)
				case plugin.EnumClear:
					clear(items)
				}
			})
			if err != nil {
				return err
			}
			deadline := time.Now().Add(ctx.Flags.Duration("wait"))
			for time.Now().Before(deadline) {
				if err := c.app.Context.IdleEnumeration(cfg); err != nil {
					log.Debug().Err(err).Msg("idle enumeration")
				}
				time.Sleep(100 * time.Millisecond)
			}
			if err := c.app.Context.EndEnumeration(cfg); err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if len(items) == 0 {
				log.Info().Msg("no hosts found")
				return nil
			}
			ctx.App.Println(RenderEnumeration(items))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "status",
		Help: "show the session state",
		Run: func(ctx *grumble.Context) error {
			g, err := c.game()
			if err != nil {
				return err
			}
			free, cookie, events := g.QState()
			ctx.App.Println(RenderStatus(g.Info(), free, cookie, events, g.Differential()))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "leave",
		Aliases: []string{"close"},
		Help:    "leave or terminate the current game",
		Run: func(ctx *grumble.Context) error {
			err := c.leave()
			ctx.App.SetPrompt("openplay » ")
			return err
		},
	})
}

func setupCLI(c *console) *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".openplay_history"
	} else {
		histFile = filepath.Join(home, ".openplay_history")
	}

	app := grumble.New(&grumble.Config{
		Name:        "openplay",
		Description: "game session console",
		HistoryFile: histFile,
		Prompt:      "openplay » ",
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "", "path to a Lua configuration file")
		},
	})
	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		cfg := openplay.DefaultCfg()
		if path := flags.String("config"); path != "" {
			loaded, err := openplay.LoadCfg(path)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		op, err := openplay.New(cfg)
		if err != nil {
			return err
		}
		c.app = op
		return nil
	})

	app.OnClose(func() error {
		if c.app == nil {
			return nil
		}
		if err := c.leave(); err != nil && !errors.Is(err, errNoSession) {
			log.Warn().Err(err).Msg("leaving session")
		}
		c.app.Stop()
		log.Close()
		return nil
	})
	return app
}

func main() {
	c := &console{}
	app := setupCLI(c)
	c.addCommands(app)

	if err := app.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
