// Package social manages the user directory, friend requests and friendships.
//
// A friendship is a pair of directed edges in the friendships collection,
// friendships/{from}_{to}, written by whichever side creates it. Pending
// requests live in the target's users/{uid}.friendRequests list.
package social

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jaballahchat/chatcall/internal/docstore"
	"github.com/jaballahchat/chatcall/internal/profile"
)

const FriendshipsCollection = "friendships"

var (
	ErrMissingUID         = errors.New("user id is required")
	ErrSelfFriend         = errors.New("cannot add yourself as a friend")
	ErrAlreadyFriends     = errors.New("already friends")
	ErrRequestAlreadySent = errors.New("friend request already sent")
	ErrNoFriendRequest    = errors.New("no pending friend request")
	ErrUserNotFound       = profile.ErrUserNotFound
)

type Friendship struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func FriendshipID(from, to string) string { return from + "_" + to }

func friendshipPath(from, to string) string {
	return docstore.Join(FriendshipsCollection, FriendshipID(from, to))
}

type Service struct {
	store docstore.Store
}

func New(store docstore.Store) *Service {
	return &Service{store: store}
}

// Users lists every profile in registration order.
func (s *Service) Users(ctx context.Context) ([]profile.Profile, error) {
	docs, err := s.store.Query(ctx, profile.UsersCollection, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return decodeProfiles(docs)
}

// WatchUsers streams the full directory each time a profile changes, so
// presence updates show up as they happen.
func (s *Service) WatchUsers(ctx context.Context) (<-chan []profile.Profile, error) {
	changes, err := s.store.WatchCollection(ctx, profile.UsersCollection, docstore.Query{})
	if err != nil {
		return nil, fmt.Errorf("watch users: %w", err)
	}
	out := make(chan []profile.Profile)
	go func() {
		defer close(out)
		var order []string
		byUID := make(map[string]profile.Profile)
		for batch := range changes {
			for _, ch := range batch {
				p, err := profile.Decode(ch.Doc)
				if err != nil {
					continue
				}
				_, known := byUID[p.UID]
				switch {
				case ch.Type == docstore.ChangeRemoved:
					if known {
						delete(byUID, p.UID)
						uid := p.UID
						order = slices.DeleteFunc(order, func(x string) bool { return x == uid })
					}
				case !known:
					order = append(order, p.UID)
					byUID[p.UID] = p
				default:
					byUID[p.UID] = p
				}
			}
			list := make([]profile.Profile, 0, len(order))
			for _, uid := range order {
				list = append(list, byUID[uid])
			}
			select {
			case out <- list:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// AddFriend creates the friendship between me and friendUID directly.
func (s *Service) AddFriend(ctx context.Context, me, friendUID string) error {
	if me == "" || friendUID == "" {
		return ErrMissingUID
	}
	if me == friendUID {
		return ErrSelfFriend
	}
	if _, err := profile.Get(ctx, s.store, friendUID); err != nil {
		return err
	}
	friends, err := s.AreFriends(ctx, me, friendUID)
	if err != nil {
		return err
	}
	if friends {
		return ErrAlreadyFriends
	}
	return s.link(ctx, me, friendUID)
}

// RemoveFriend deletes both friendship edges.
func (s *Service) RemoveFriend(ctx context.Context, me, friendUID string) error {
	if me == "" || friendUID == "" {
		return ErrMissingUID
	}
	for _, path := range []string{friendshipPath(me, friendUID), friendshipPath(friendUID, me)} {
		if err := s.store.Delete(ctx, path); err != nil {
			return fmt.Errorf("remove friendship: %w", err)
		}
	}
	if _, err := s.store.Set(ctx, profile.Path(me), docstore.Data{
		"friends": docstore.ArrayRemove(friendUID),
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("update friends: %w", err)
	}
	return nil
}

// SendFriendRequest adds me to target's pending requests.
func (s *Service) SendFriendRequest(ctx context.Context, me, target string) error {
	if me == "" || target == "" {
		return ErrMissingUID
	}
	if me == target {
		return ErrSelfFriend
	}
	p, err := profile.Get(ctx, s.store, target)
	if err != nil {
		return err
	}
	if p.HasFriendRequest(me) {
		return ErrRequestAlreadySent
	}
	friends, err := s.AreFriends(ctx, me, target)
	if err != nil {
		return err
	}
	if friends {
		return ErrAlreadyFriends
	}
	if _, err := s.store.Set(ctx, profile.Path(target), docstore.Data{
		"friendRequests": docstore.ArrayUnion(me),
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("send friend request: %w", err)
	}
	return nil
}

// AcceptFriendRequest clears the request from and creates the friendship.
func (s *Service) AcceptFriendRequest(ctx context.Context, me, from string) error {
	if err := s.checkRequest(ctx, me, from); err != nil {
		return err
	}
	if _, err := s.store.Set(ctx, profile.Path(me), docstore.Data{
		"friendRequests": docstore.ArrayRemove(from),
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	friends, err := s.AreFriends(ctx, me, from)
	if err != nil || friends {
		return err
	}
	return s.link(ctx, me, from)
}

func (s *Service) DeclineFriendRequest(ctx context.Context, me, from string) error {
	if err := s.checkRequest(ctx, me, from); err != nil {
		return err
	}
	if _, err := s.store.Set(ctx, profile.Path(me), docstore.Data{
		"friendRequests": docstore.ArrayRemove(from),
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("decline friend request: %w", err)
	}
	return nil
}

func (s *Service) checkRequest(ctx context.Context, me, from string) error {
	if me == "" || from == "" {
		return ErrMissingUID
	}
	mine, err := profile.Get(ctx, s.store, me)
	if err != nil {
		return err
	}
	if _, err := profile.Get(ctx, s.store, from); err != nil {
		return err
	}
	if !mine.HasFriendRequest(from) {
		return fmt.Errorf("%w from %s", ErrNoFriendRequest, from)
	}
	return nil
}

// FriendRequests returns the profiles of users with a pending request to me.
// Requests from deleted users are skipped.
func (s *Service) FriendRequests(ctx context.Context, me string) ([]profile.Profile, error) {
	mine, err := profile.Get(ctx, s.store, me)
	if err != nil {
		return nil, err
	}
	return s.profiles(ctx, mine.FriendRequests)
}

// Friends returns the profiles uid has a friendship edge to.
func (s *Service) Friends(ctx context.Context, uid string) ([]profile.Profile, error) {
	if uid == "" {
		return nil, ErrMissingUID
	}
	docs, err := s.store.Query(ctx, FriendshipsCollection, docstore.Query{}.Filter("from", docstore.OpEqual, uid))
	if err != nil {
		return nil, fmt.Errorf("list friendships: %w", err)
	}
	uids := make([]string, 0, len(docs))
	for _, doc := range docs {
		var f Friendship
		if err := doc.Decode(&f); err != nil {
			return nil, fmt.Errorf("decode friendship %s: %w", doc.ID, err)
		}
		uids = append(uids, f.To)
	}
	return s.profiles(ctx, uids)
}

func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	_, err := s.store.Get(ctx, friendshipPath(a, b))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, docstore.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("get friendship: %w", err)
	}
}

func (s *Service) link(ctx context.Context, me, friend string) error {
	for _, edge := range [][2]string{{me, friend}, {friend, me}} {
		if _, err := s.store.Set(ctx, friendshipPath(edge[0], edge[1]), docstore.Data{
			"from":      edge[0],
			"to":        edge[1],
			"status":    "active",
			"createdAt": docstore.ServerTimestamp,
		}); err != nil {
			return fmt.Errorf("add friendship: %w", err)
		}
	}
	if _, err := s.store.Set(ctx, profile.Path(me), docstore.Data{
		"friends": docstore.ArrayUnion(friend),
	}, docstore.Merge()); err != nil {
		return fmt.Errorf("update friends: %w", err)
	}
	return nil
}

func (s *Service) profiles(ctx context.Context, uids []string) ([]profile.Profile, error) {
	out := make([]profile.Profile, 0, len(uids))
	for _, uid := range uids {
		p, err := profile.Get(ctx, s.store, uid)
		if errors.Is(err, profile.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeProfiles(docs []docstore.Document) ([]profile.Profile, error) {
	out := make([]profile.Profile, 0, len(docs))
	for _, doc := range docs {
		p, err := profile.Decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
