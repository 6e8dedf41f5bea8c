package main

import (
	"context"
	"flag"

	"github.com/jaballahchat/chatcall/internal/profile"
)

func credentialFlags(name string, args []string, withName bool) (email, password, displayName string, err error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&email, "email", "", "account email")
	fs.StringVar(&password, "password", "", "account password")
	if withName {
		fs.StringVar(&displayName, "name", "", "display name; defaults to the email local part")
	}
	err = parseFlags(fs, args)
	return email, password, displayName, err
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	email, password, name, err := credentialFlags("register", args, true)
	if err != nil {
		return err
	}
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	u, err := c.Register(ctx, email, password, name)
	if err != nil {
		return err
	}
	if err := a.remember(u); err != nil {
		return err
	}
	a.printf("registered %s as %s (uid %s)\n", u.Session.Email, u.Profile.Name(), u.UID())
	return nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	email, password, _, err := credentialFlags("login", args, false)
	if err != nil {
		return err
	}
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	u, err := c.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := a.remember(u); err != nil {
		return err
	}
	a.printf("signed in as %s (uid %s)\n", u.Profile.Name(), u.UID())
	return nil
}

func cmdLogout(ctx context.Context, a *app, _ []string) error {
	st, err := a.loadState()
	if err != nil {
		return err
	}
	if !st.signedIn() {
		a.printf("not signed in\n")
		return nil
	}
	var logoutErr error
	if _, err := a.user(ctx); err == nil {
		logoutErr = a.client.Logout(ctx)
	} else {
		// An expired session can still be forgotten locally.
		a.log.Warn("could not resume session for logout", "err", err)
	}
	if err := a.forget(); err != nil {
		return err
	}
	a.printf("signed out\n")
	return logoutErr
}

func cmdWhoami(ctx context.Context, a *app, _ []string) error {
	u, err := a.user(ctx)
	if err != nil {
		return err
	}
	printProfile(a, u.Profile)
	a.printf("settings: theme=%s notifications=%t tab=%s\n", u.Settings.Theme, u.Settings.Notifications, u.Settings.LastActiveTab)
	return nil
}

func printProfile(a *app, p profile.Profile) {
	a.printf("uid:      %s\n", p.UID)
	a.printf("name:     %s\n", p.Name())
	if p.Email != "" {
		a.printf("email:    %s\n", p.Email)
	}
	a.printf("rank:     %s\n", p.Rank)
	a.printf("online:   %t\n", p.IsOnline)
	if p.TimeoutUntil != "" {
		a.printf("timeout:  until %s\n", p.TimeoutUntil)
	}
}

func cmdName(ctx context.Context, a *app, args []string) error {
	name := joinArgs(args)
	if name == "" {
		return errUsage
	}
	if _, err := a.user(ctx); err != nil {
		return err
	}
	u, err := a.client.SetDisplayName(ctx, name)
	if err != nil {
		return err
	}
	a.printf("display name is now %s\n", u.Profile.DisplayName)
	return nil
}

func cmdSettings(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	theme := fs.String("theme", "", "light or dark")
	notifications := fs.Bool("notifications", true, "enable notifications")
	tab := fs.String("tab", "", "tab to open on start: chat, users or call")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	u, err := a.user(ctx)
	if err != nil {
		return err
	}

	changed := false
	next := u.Settings
	fs.Visit(func(f *flag.Flag) {
		changed = true
		switch f.Name {
		case "theme":
			next.Theme = *theme
		case "notifications":
			next.Notifications = *notifications
		case "tab":
			next.LastActiveTab = *tab
		}
	})
	if changed {
		if u, err = a.client.SaveSettings(ctx, next); err != nil {
			return err
		}
	}
	a.printf("theme=%s notifications=%t tab=%s\n", u.Settings.Theme, u.Settings.Notifications, u.Settings.LastActiveTab)
	return nil
}
