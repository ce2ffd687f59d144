package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/dkeye/classmesh/internal/app/classroom"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

var errUsage = errors.New("usage")

type command struct {
	usage string
	run   func(ctx context.Context, c *classroom.Classroom, args []string, out io.Writer) error
}

func toggle(name string, fn func() (bool, error)) func(context.Context, *classroom.Classroom, []string, io.Writer) error {
	return func(_ context.Context, _ *classroom.Classroom, _ []string, out io.Writer) error {
		on, err := fn()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %t\n", name, on)
		return nil
	}
}

func moderate(name string, action core.ModerationAction) command {
	return command{
		usage: name + " <user>",
		run: func(_ context.Context, c *classroom.Classroom, args []string, _ io.Writer) error {
			if len(args) != 1 {
				return errUsage
			}
			return c.Moderate(action, domain.UserID(args[0]))
		},
	}
}

func commands(c *classroom.Classroom) map[string]command {
	return map[string]command{
		"mute":  {usage: "mute", run: toggle("muted", c.ToggleAudio)},
		"video": {usage: "video", run: toggle("video off", c.ToggleVideo)},
		"hand":  {usage: "hand", run: toggle("hand raised", c.ToggleHandRaise)},
		"share": {usage: "share", run: func(ctx context.Context, c *classroom.Classroom, _ []string, out io.Writer) error {
			on, err := c.ToggleScreenShare(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "sharing: %t\n", on)
			return nil
		}},
		"retry": {usage: "retry", run: func(ctx context.Context, c *classroom.Classroom, _ []string, _ io.Writer) error {
			return c.RetryMedia(ctx)
		}},
		"chat": {usage: "chat <text>", run: func(_ context.Context, c *classroom.Classroom, args []string, _ io.Writer) error {
			if len(args) == 0 {
				return errUsage
			}
			return c.SendChat(strings.Join(args, " "))
		}},
		"history": {usage: "history", run: func(_ context.Context, c *classroom.Classroom, _ []string, out io.Writer) error {
			for _, m := range c.ChatHistory() {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.Name, m.Text)
			}
			return nil
		}},
		"record": {usage: "record start|stop", run: func(_ context.Context, c *classroom.Classroom, args []string, _ io.Writer) error {
			switch {
			case len(args) == 1 && args[0] == "start":
				return c.StartRecording()
			case len(args) == 1 && args[0] == "stop":
				return c.StopRecording()
			}
			return errUsage
		}},
		"mute-user": moderate("mute-user", core.ModerationMute),
		"promote":   moderate("promote", core.ModerationPromote),
		"demote":    moderate("demote", core.ModerationDemote),
		"remove":    moderate("remove", core.ModerationRemove),
		"state": {usage: "state", run: func(_ context.Context, c *classroom.Classroom, _ []string, out io.Writer) error {
			state := c.State()
			for _, p := range state.Participants {
				fmt.Fprintf(out, "%-20s %-12s %-12s muted=%t video=%t hand=%t screen=%t\n",
					p.UserID, p.Role, p.ConnectionState, p.IsMuted, p.ShowVideo(), p.IsHandRaised, p.IsScreenSharing)
			}
			if state.Recording.Active {
				fmt.Fprintf(out, "recording by %s since %s\n", state.Recording.By, state.Recording.Since.Format("15:04:05"))
			}
			return nil
		}},
		"links": {usage: "links", run: func(_ context.Context, c *classroom.Classroom, _ []string, out io.Writer) error {
			for _, l := range c.Links() {
				fmt.Fprintf(out, "%-20s %-12s gen=%d streams=%d\n", l.Remote, l.State, l.Generation, l.Streams)
			}
			fmt.Fprintf(out, "%d active\n", c.ActiveLinks())
			return nil
		}},
	}
}

// repl executes one command per input line until EOF, "leave" or ctx ends.
func repl(ctx context.Context, c *classroom.Classroom, in io.Reader, out io.Writer) {
	cmds := commands(c)
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}
		if !execute(ctx, cmds, c, line, out) {
			return
		}
	}
}

// execute runs one line and reports whether to keep reading.
func execute(ctx context.Context, cmds map[string]command, c *classroom.Classroom, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	name, args := fields[0], fields[1:]
	switch name {
	case "leave", "exit", "quit":
		return false
	case "help":
		names := lo.Keys(cmds)
		slices.Sort(names)
		for _, n := range names {
			fmt.Fprintln(out, cmds[n].usage)
		}
		fmt.Fprintln(out, "leave")
		return true
	}
	cmd, ok := cmds[name]
	if !ok {
		fmt.Fprintf(out, "unknown command %q, try help\n", name)
		return true
	}
	if err := cmd.run(ctx, c, args, out); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(out, "usage: %s\n", cmd.usage)
		} else {
			fmt.Fprintf(out, "%s: %v\n", name, err)
		}
	}
	return true
}
