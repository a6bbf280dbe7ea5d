// roomchat CLI - command line client for roomchat
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/eldtechnologies/roomchat/clients/go/chat"
	"github.com/eldtechnologies/roomchat/clients/go/querycache"
	"github.com/eldtechnologies/roomchat/clients/go/roomchat"
)

const version = "0.1.0"

var stdin = bufio.NewReader(os.Stdin)

const usage = `roomchat CLI - rooms, messages and presence from the terminal.

Usage:
  roomchat signup [--email=<email>]
  roomchat signin [--email=<email>]
  roomchat signout
  roomchat whoami
  roomchat profile --username=<name> [--avatar=<url>]
  roomchat rooms
  roomchat read <room> [--limit=<n>]
  roomchat send <room> <text>
  roomchat edit <id> <text>
  roomchat delete <id>
  roomchat watch <room>
  roomchat online
  roomchat find <query> [--room=<room>]
  roomchat users list
  roomchat users create [--set=<kv>...]
  roomchat users update <id> [--set=<kv>...]
  roomchat users delete <id>
  roomchat posts list
  roomchat todos list
  roomchat todos add <text>
  roomchat todos done <id>
  roomchat todos delete <id>
  roomchat stats
  roomchat health
  roomchat -h | --help
  roomchat --version

Options:
  -h --help          Show this screen.
  --version          Show version.
  --email=<email>    Account email; prompted for when omitted.
  --username=<name>  Display name.
  --avatar=<url>     Avatar image URL.
  --limit=<n>        Number of messages to show [default: 20].
  --room=<room>      Only search this room.
  --set=<kv>         Field assignment such as name=Ada or email=ada@example.com.

Environment:
  ROOMCHAT_URL      Server URL (default: http://localhost:8080)
  ROOMCHAT_CONFIG   Config directory (default: ~/.roomchat)
  ROOMCHAT_DEBUG    Log client internals to stderr when set`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	exitOnError(err)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().Level(zerolog.WarnLevel)
	if os.Getenv("ROOMCHAT_DEBUG") != "" {
		logger = logger.Level(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := roomchat.NewClient(os.Getenv("ROOMCHAT_URL"))
	cmd := &command{client: client, opts: opts, logger: logger}

	switch {
	case flag(opts, "users"):
		// before "delete", which users delete also sets
		cmd.users(ctx)
	case flag(opts, "todos"):
		cmd.todos(ctx)
	case flag(opts, "signup"):
		cmd.authenticate(ctx, client.SignUp)
	case flag(opts, "signin"):
		cmd.authenticate(ctx, client.SignIn)
	case flag(opts, "signout"):
		exitOnError(client.SignOut(ctx))
		fmt.Println("Signed out")
	case flag(opts, "whoami"):
		info, err := client.WhoAmI(ctx)
		exitOnError(err)
		fmt.Printf("%s <%s> (%s)\n", info.Profile.Username, info.User.Email, info.User.ID)
	case flag(opts, "profile"):
		cmd.profile(ctx)
	case flag(opts, "rooms"):
		rooms, err := client.ListRooms(ctx)
		exitOnError(err)
		for _, r := range rooms {
			fmt.Printf("  #%s (%d msgs)\n", r.Name, r.MessageCount)
		}
	case flag(opts, "read"):
		cmd.read(ctx)
	case flag(opts, "send"):
		cmd.send(ctx)
	case flag(opts, "edit"):
		cmd.edit(ctx)
	case flag(opts, "delete"):
		id, _ := opts.String("<id>")
		exitOnError(cmd.composer(ctx, "").Delete(ctx, id))
		fmt.Println("Deleted:", id)
	case flag(opts, "watch"):
		cmd.watch(ctx)
	case flag(opts, "online"):
		cmd.online(ctx)
	case flag(opts, "find"):
		cmd.find(ctx)
	case flag(opts, "posts"):
		posts, err := client.Posts().List(ctx)
		exitOnError(err)
		for _, rec := range posts {
			var p roomchat.PostRecord
			exitOnError(rec.Decode(&p))
			fmt.Printf("  %s  %s\n", rec.ID, p.Title)
		}
	case flag(opts, "stats"):
		stats, err := client.Stats(ctx)
		exitOnError(err)
		printJSON(stats)
	case flag(opts, "health"):
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)
	}
}

type command struct {
	client *roomchat.Client
	opts   docopt.Opts
	logger zerolog.Logger
}

func (c *command) authenticate(ctx context.Context, fn func(context.Context, string, string) (*roomchat.Session, error)) {
	email, _ := c.opts.String("--email")
	if email == "" {
		email = prompt("Email: ")
	}
	password := readPassword("Password: ")

	session, err := fn(ctx, email, password)
	exitOnError(err)
	fmt.Printf("Signed in as %s (session expires %s)\n", session.User.Email, session.ExpiresAt.Local().Format(time.RFC1123))
}

// identity returns the signed-in user as shown on pending messages.
func (c *command) identity(ctx context.Context) chat.Identity {
	info, err := c.client.WhoAmI(ctx)
	exitOnError(err)
	return chat.Identity{UserID: info.User.ID, Username: info.Profile.Username}
}

func (c *command) composer(ctx context.Context, room string) *chat.Composer {
	cache := querycache.New(querycache.Options{Logger: c.logger})
	return chat.NewComposer(room, c.client, cache, c.identity(ctx))
}

func (c *command) profile(ctx context.Context) {
	username, _ := c.opts.String("--username")
	avatar, _ := c.opts.String("--avatar")
	p, err := c.client.UpdateProfile(ctx, roomchat.ProfileUpdate{Username: username, AvatarURL: avatar})
	exitOnError(err)
	fmt.Printf("Profile updated: %s\n", p.Username)
}

func (c *command) read(ctx context.Context) {
	room, _ := c.opts.String("<room>")
	limitStr, _ := c.opts.String("--limit")
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		exitOnError(fmt.Errorf("invalid --limit %q", limitStr))
	}

	page, err := c.client.ListMessages(ctx, room, roomchat.ListOptions{Limit: limit})
	exitOnError(err)
	for _, m := range page.Messages {
		printMessage(m)
	}
	if page.HasMore {
		fmt.Println("  (older messages not shown)")
	}
}

func (c *command) send(ctx context.Context) {
	room, _ := c.opts.String("<room>")
	text, _ := c.opts.String("<text>")
	msg, err := c.composer(ctx, room).Send(ctx, text)
	exitOnError(err)
	fmt.Printf("Posted: %s\n", msg.ID)
}

func (c *command) edit(ctx context.Context) {
	id, _ := c.opts.String("<id>")
	text, _ := c.opts.String("<text>")
	msg, err := c.composer(ctx, "").Edit(ctx, id, text)
	exitOnError(err)
	fmt.Printf("Edited: %s\n", msg.ID)
}

// watch follows a room live. Lines typed on stdin are sent to it.
func (c *command) watch(ctx context.Context) {
	room, _ := c.opts.String("<room>")
	self := c.identity(ctx)
	cache := querycache.New(querycache.Options{Logger: c.logger})

	r := chat.Open(ctx, c.client, cache, room, self, chat.RoomOptions{
		Logger: c.logger,
		OnStateChange: func(s chat.ListenerState) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		},
	})
	defer r.Close()
	exitOnError(r.Wait(ctx))

	tracker := chat.NewTracker(chat.OnlineChannel, c.client, self, chat.TrackerOptions{
		Cache:  cache,
		Logger: c.logger,
		OnChange: func(online []roomchat.PresenceEntry) {
			fmt.Fprintf(os.Stderr, "-- %d online\n", len(online))
		},
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tracker.Run(ctx)
	})
	g.Go(func() error {
		updates, stop := r.Watch()
		defer stop()

		printed := make(map[string]bool)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msgs, ok := <-updates:
				if !ok {
					return nil
				}
				for _, m := range msgs {
					if chat.IsTemp(m.ID) || printed[m.ID] {
						continue
					}
					printed[m.ID] = true
					printMessage(m)
				}
			}
		}
	})

	// Scan blocks without a way to cancel it, so it stays outside the group
	go func() {
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			if _, err := r.Send(ctx, scanner.Text()); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
	}()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		exitOnError(err)
	}
}

func (c *command) online(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	self := c.identity(ctx)
	events, err := c.client.JoinPresence(ctx, chat.OnlineChannel, roomchat.PresenceEntry{Username: self.Username})
	exitOnError(err)

	tracker := chat.NewTracker(chat.OnlineChannel, nil, self, chat.TrackerOptions{})
	for ev := range events {
		tracker.Apply(ev)
		// The first sync after our own join includes us
		if ev.Kind == roomchat.PresenceSync && tracker.IsOnline(self.UserID) {
			for _, e := range tracker.Online() {
				fmt.Printf("  %s (since %s)\n", tracker.DisplayName(e.UserID), e.OnlineAt.Local().Format("15:04:05"))
			}
			return
		}
	}
	exitOnError(errors.New("no presence state received"))
}

func (c *command) find(ctx context.Context) {
	query, _ := c.opts.String("<query>")
	room, _ := c.opts.String("--room")
	resp, err := c.client.Search(ctx, query, room, 20)
	exitOnError(err)
	for _, r := range resp.Results {
		fmt.Printf("[#%s %s] %s: %s\n", r.Room, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Username, r.Text)
	}
}

func (c *command) users(ctx context.Context) {
	users := c.client.Users()

	switch {
	case flag(c.opts, "list"):
		records, err := users.List(ctx)
		exitOnError(err)
		for _, rec := range records {
			var u roomchat.UserRecord
			exitOnError(rec.Decode(&u))
			fmt.Printf("  %s  %s <%s>\n", rec.ID, u.Name, u.Email)
		}

	case flag(c.opts, "create"):
		u, err := applySets(roomchat.UserRecord{}, c.opts)
		exitOnError(err)
		rec, err := users.Create(ctx, u)
		exitOnError(err)
		fmt.Println("Created:", rec.ID)

	case flag(c.opts, "update"):
		id, _ := c.opts.String("<id>")
		rec, err := users.Get(ctx, id)
		exitOnError(err)
		var u roomchat.UserRecord
		exitOnError(rec.Decode(&u))
		u, err = applySets(u, c.opts)
		exitOnError(err)
		_, err = users.Update(ctx, id, u)
		exitOnError(err)
		fmt.Println("Updated:", id)

	case flag(c.opts, "delete"):
		id, _ := c.opts.String("<id>")
		exitOnError(users.Delete(ctx, id))
		fmt.Println("Deleted:", id)
	}
}

func (c *command) todos(ctx context.Context) {
	todos := c.client.Todos()

	switch {
	case flag(c.opts, "list"):
		records, err := todos.List(ctx)
		exitOnError(err)
		for _, rec := range records {
			var todo roomchat.TodoRecord
			exitOnError(rec.Decode(&todo))
			mark := " "
			if todo.IsComplete {
				mark = "x"
			}
			fmt.Printf("  [%s] %s  %s\n", mark, rec.ID, todo.Task)
		}

	case flag(c.opts, "add"):
		task, _ := c.opts.String("<text>")
		rec, err := todos.Create(ctx, roomchat.TodoRecord{Task: task})
		exitOnError(err)
		fmt.Println("Added:", rec.ID)

	case flag(c.opts, "done"):
		id, _ := c.opts.String("<id>")
		rec, err := todos.Get(ctx, id)
		exitOnError(err)
		var todo roomchat.TodoRecord
		exitOnError(rec.Decode(&todo))
		todo.IsComplete = true
		_, err = todos.Update(ctx, id, todo)
		exitOnError(err)
		fmt.Println("Done:", id)

	case flag(c.opts, "delete"):
		id, _ := c.opts.String("<id>")
		exitOnError(todos.Delete(ctx, id))
		fmt.Println("Deleted:", id)
	}
}

// applySets applies every --set=field=value to u.
func applySets(u roomchat.UserRecord, opts docopt.Opts) (roomchat.UserRecord, error) {
	sets, _ := opts["--set"].([]string)
	for _, kv := range sets {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return u, fmt.Errorf("invalid --set %q, want field=value", kv)
		}
		field, err := roomchat.ParseUserField(strings.TrimSpace(name))
		if err != nil {
			return u, err
		}
		u = u.With(field, value)
	}
	return u, nil
}

func flag(opts docopt.Opts, name string) bool {
	v, _ := opts.Bool(name)
	return v
}

func printMessage(m roomchat.Message) {
	from := m.UserID
	if m.Author != nil && m.Author.Username != "" {
		from = m.Author.Username
	} else if len(from) > 8 {
		from = from[:8]
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s  %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), from, m.Text, edited, m.ID)
}

func prompt(label string) string {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		exitOnError(err)
	}
	return strings.TrimSpace(line)
}

func readPassword(label string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(label)
	}
	fmt.Fprint(os.Stderr, label)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	exitOnError(err)
	return string(password)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
