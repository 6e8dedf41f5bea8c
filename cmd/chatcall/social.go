package main

import (
	"context"
	"flag"

	"github.com/jaballahchat/chatcall/internal/profile"
	"github.com/jaballahchat/chatcall/internal/social"
)

// social returns the friends service and the signed-in uid.
func (a *app) social(ctx context.Context) (*social.Service, string, error) {
	u, err := a.user(ctx)
	if err != nil {
		return nil, "", err
	}
	return social.New(a.rc.Store()), u.UID(), nil
}

func userLine(p profile.Profile, me string) string {
	status := "offline"
	if p.IsOnline {
		status = "online"
	}
	name := p.Name()
	if p.UID == me {
		name += " (you)"
	}
	return name + "  [" + p.UID + "]  " + status
}

func cmdUsers(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("users", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "keep printing the list as presence changes")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	svc, me, err := a.social(ctx)
	if err != nil {
		return err
	}
	if !*watch {
		users, err := svc.Users(ctx)
		if err != nil {
			return err
		}
		for _, p := range users {
			a.printf("%s\n", userLine(p, me))
		}
		return nil
	}

	updates, err := svc.WatchUsers(ctx)
	if err != nil {
		return err
	}
	for users := range updates {
		a.printf("-- %d users\n", len(users))
		for _, p := range users {
			a.printf("%s\n", userLine(p, me))
		}
	}
	return nil
}

func cmdFriends(ctx context.Context, a *app, _ []string) error {
	svc, me, err := a.social(ctx)
	if err != nil {
		return err
	}
	friends, err := svc.Friends(ctx, me)
	if err != nil {
		return err
	}
	if len(friends) == 0 {
		a.printf("no friends yet\n")
	}
	for _, p := range friends {
		a.printf("%s\n", userLine(p, me))
	}
	return nil
}

func cmdRequests(ctx context.Context, a *app, _ []string) error {
	svc, me, err := a.social(ctx)
	if err != nil {
		return err
	}
	reqs, err := svc.FriendRequests(ctx, me)
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		a.printf("no pending requests\n")
	}
	for _, p := range reqs {
		a.printf("%s\n", userLine(p, me))
	}
	return nil
}

func cmdFriend(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	svc, me, err := a.social(ctx)
	if err != nil {
		return err
	}
	action, uid := args[0], args[1]
	switch action {
	case "add":
		err = svc.AddFriend(ctx, me, uid)
	case "remove":
		err = svc.RemoveFriend(ctx, me, uid)
	case "request":
		err = svc.SendFriendRequest(ctx, me, uid)
	case "accept":
		err = svc.AcceptFriendRequest(ctx, me, uid)
	case "decline":
		err = svc.DeclineFriendRequest(ctx, me, uid)
	default:
		return errUsage
	}
	if err != nil {
		return err
	}
	a.printf("friend %s %s: ok\n", action, uid)
	return nil
}
