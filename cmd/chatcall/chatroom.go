package main

import (
	"context"
	"flag"

	"github.com/jaballahchat/chatcall/internal/chat"
	"github.com/jaballahchat/chatcall/internal/events"
)

func cmdChat(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	u, err := a.user(ctx)
	if err != nil {
		return err
	}
	room := chat.New(a.rc.Store())

	switch args[0] {
	case "send":
		text := joinArgs(args[1:])
		if text == "" {
			return errUsage
		}
		m, err := room.Send(ctx, chat.AuthorFrom(u.Profile), text)
		if err != nil {
			return err
		}
		a.printf("sent %s\n", m.ID)
		return nil

	case "history":
		fs := flag.NewFlagSet("chat history", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "most recent messages to show; 0 shows all")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		msgs, err := room.History(ctx, *limit)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			printMessage(a, m)
		}
		return nil

	case "tail":
		msgs, err := room.Watch(ctx)
		if err != nil {
			return err
		}
		for m := range msgs {
			printMessage(a, m)
		}
		return nil
	}
	return errUsage
}

func printMessage(a *app, m chat.Message) {
	a.printf("[%s] %s: %s\n", m.CreatedAt, m.DisplayName, m.Text)
}

func cmdEvents(ctx context.Context, a *app, _ []string) error {
	if _, err := a.user(ctx); err != nil {
		return err
	}
	list, err := events.New(a.rc.Store()).Events(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		a.printf("no events\n")
	}
	for _, ev := range list {
		a.printf("%s  %s  [%s]\n", ev.Date, ev.Name, ev.ID)
	}
	return nil
}
