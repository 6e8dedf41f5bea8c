package docstore

import (
	"fmt"
	"strings"
)

func splitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// DocPath validates a document path and returns its canonical form, parent
// collection and ID.
func DocPath(path string) (canonical, parent, id string, err error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", "", fmt.Errorf("%w: %q is a collection path", ErrInvalidPath, path)
	}
	return strings.Join(segs, "/"), strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// CollectionPath validates a collection path and returns its canonical form.
func CollectionPath(path string) (string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", err
	}
	if len(segs)%2 != 1 {
		return "", fmt.Errorf("%w: %q is a document path", ErrInvalidPath, path)
	}
	return strings.Join(segs, "/"), nil
}

// IsCollectionPath reports whether path has an odd number of segments.
func IsCollectionPath(path string) bool {
	segs, err := splitPath(path)
	return err == nil && len(segs)%2 == 1
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

// RootCollection returns the first segment of path.
func RootCollection(path string) string {
	path = strings.Trim(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}
