package docapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jaballahchat/chatcall/internal/auth"
	"github.com/jaballahchat/chatcall/internal/docstore"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	// ErrWriteRejected wraps errors returned by a WriteHook.
	ErrWriteRejected = errors.New("write rejected")
)

type WriteOp string

const (
	OpCreate WriteOp = "create"
	OpSet    WriteOp = "set"
	OpMerge  WriteOp = "merge"
	OpAdd    WriteOp = "add"
	OpDelete WriteOp = "delete"
)

// Write describes one pending document write. Hooks may rewrite Data.
type Write struct {
	Principal auth.Principal
	Op        WriteOp
	// Path is the document path; for OpAdd it already carries the new ID.
	Path string
	Data docstore.Data
}

// WriteHook validates or rewrites writes to one root collection.
type WriteHook interface {
	BeforeWrite(ctx context.Context, w *Write) error
}

// Rules is the access policy applied to every document request. The zero
// value only enforces authentication and the private collections.
type Rules struct {
	// Hooks are keyed by root collection.
	Hooks map[string]WriteHook
}

var privateCollections = map[string]bool{
	auth.AccountsCollection: true,
}

// Collections only the owner (doc ID == uid) or an admin may write. Other
// users may merge the fields listed.
var ownedCollections = map[string]map[string]bool{
	"users":        {"friendRequests": true},
	"userSettings": {},
}

// Fields only an admin may write, by root collection.
var adminFields = map[string][]string{
	"users": {"timeoutUntil"},
}

var adminWriteCollections = map[string]bool{
	"config":      true,
	"events":      true,
	"inviteCodes": true,
}

// CanRead applies to gets, queries and watches. path may name a document or a
// collection.
func (r *Rules) CanRead(p auth.Principal, path string) error {
	if p.UID == "" {
		return auth.ErrMissingCredentials
	}
	if privateCollections[docstore.RootCollection(path)] {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	}
	return nil
}

// CheckWrite authorizes w and runs the collection hook, which may modify
// w.Data.
func (r *Rules) CheckWrite(ctx context.Context, w *Write) error {
	p := w.Principal
	if p.UID == "" {
		return auth.ErrMissingCredentials
	}
	_, parent, id, err := docstore.DocPath(w.Path)
	if err != nil {
		return err
	}
	root := docstore.RootCollection(w.Path)
	topLevel := parent == root
	denied := fmt.Errorf("%w: %s %s", ErrPermissionDenied, w.Op, w.Path)

	switch {
	case privateCollections[root]:
		return denied
	case p.Admin:
	case adminWriteCollections[root]:
		return denied
	case topLevel && ownedCollections[root] != nil:
		if id != p.UID && !othersMayWrite(w, ownedCollections[root]) {
			return denied
		}
		for _, f := range adminFields[root] {
			if _, ok := w.Data[f]; ok {
				return denied
			}
		}
	case root == "friendships" && topLevel:
		from, to, ok := strings.Cut(id, "_")
		if !ok || (from != p.UID && to != p.UID) {
			return denied
		}
	case root == "messages" && w.Op == OpDelete:
		return denied
	}

	if r == nil {
		return nil
	}
	if hook := r.Hooks[root]; hook != nil && w.Op != OpDelete {
		if err := hook.BeforeWrite(ctx, w); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteRejected, err)
		}
	}
	return nil
}

func othersMayWrite(w *Write, fields map[string]bool) bool {
	if w.Op != OpMerge || len(w.Data) == 0 {
		return false
	}
	for k := range w.Data {
		if !fields[k] {
			return false
		}
	}
	return true
}
