package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docapi"
	"github.com/jaballahchat/chatcall/internal/events"
	"github.com/jaballahchat/chatcall/internal/remote"
)

const envVarAdminAPIKey = "CHATCALL_ADMIN_API_KEY"

var errNoAPIKey = errors.New("admin commands need --api-key or " + envVarAdminAPIKey)

func cmdAdmin(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	apiKey := fs.String("api-key", os.Getenv(envVarAdminAPIKey), "server admin API key (env "+envVarAdminAPIKey+")")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}
	if *apiKey == "" {
		return errNoAPIKey
	}
	base, err := a.serverURL(ctx)
	if err != nil {
		return err
	}
	rc := remote.New(base, nil)
	rc.SetToken(*apiKey)
	defer rc.Store().Close()

	switch rest[0] {
	case "clear-chat":
		n, err := rc.ClearChat(ctx)
		if err != nil {
			return err
		}
		a.printf("deleted %d messages\n", n)

	case "chat-enabled":
		if len(rest) != 2 {
			return errUsage
		}
		enabled, err := strconv.ParseBool(rest[1])
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if err := rc.SetChatEnabled(ctx, enabled); err != nil {
			return err
		}
		a.printf("chat enabled: %t\n", enabled)

	case "timeout":
		sub := flag.NewFlagSet("admin timeout", flag.ContinueOnError)
		minutes := sub.Int("minutes", docapi.DefaultTimeoutMinutes, "timeout length in minutes")
		if len(rest) < 2 {
			return errUsage
		}
		if err := parseFlags(sub, rest[2:]); err != nil {
			return err
		}
		if *minutes <= 0 {
			return fmt.Errorf("%w: --minutes must be > 0", errUsage)
		}
		until, err := rc.TimeoutUser(ctx, rest[1], time.Duration(*minutes)*time.Minute)
		if err != nil {
			return err
		}
		a.printf("%s timed out until %s\n", rest[1], until.Format(time.RFC3339))

	case "event":
		sub := flag.NewFlagSet("admin event", flag.ContinueOnError)
		name := sub.String("name", "", "event name")
		dateStr := sub.String("date", "", "event date, YYYY-MM-DD or RFC 3339")
		if err := parseFlags(sub, rest[1:]); err != nil {
			return err
		}
		date, err := parseEventDate(*dateStr)
		if err != nil {
			return err
		}
		ev, err := events.New(rc.Store()).CreateEvent(ctx, *name, date, auth.AdminUID)
		if err != nil {
			return err
		}
		a.printf("created event %s (%s) on %s\n", ev.Name, ev.ID, ev.Date)

	case "invite":
		code, err := events.New(rc.Store()).GenerateInviteCode(ctx, auth.AdminUID)
		if err != nil {
			return err
		}
		a.printf("%s\n", code.Code)

	case "invites":
		codes, err := events.New(rc.Store()).ListInviteCodes(ctx, auth.AdminUID)
		if err != nil {
			return err
		}
		for _, c := range codes {
			a.printf("%s  %s  used=%t\n", c.Code, c.CreatedAt, c.Used)
		}

	default:
		return errUsage
	}
	return nil
}

func parseEventDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, events.ErrMissingDate
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid event date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
