package docstore

import "sort"

type memoryBackend struct {
	docs     map[string]Document
	children map[string]map[string]struct{}
}

// NewMemoryBackend returns a Backend that keeps everything in process memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		docs:     make(map[string]Document),
		children: make(map[string]map[string]struct{}),
	}
}

func (b *memoryBackend) Get(path string) (Document, bool, error) {
	d, ok := b.docs[path]
	if !ok {
		return Document{}, false, nil
	}
	return d.clone(), true, nil
}

func (b *memoryBackend) Put(doc Document) error {
	_, parent, _, err := DocPath(doc.Path)
	if err != nil {
		return err
	}
	b.docs[doc.Path] = doc.clone()
	set, ok := b.children[parent]
	if !ok {
		set = make(map[string]struct{})
		b.children[parent] = set
	}
	set[doc.Path] = struct{}{}
	return nil
}

func (b *memoryBackend) Delete(path string) error {
	_, parent, _, err := DocPath(path)
	if err != nil {
		return err
	}
	delete(b.docs, path)
	delete(b.children[parent], path)
	return nil
}

func (b *memoryBackend) List(collection string) ([]Document, error) {
	set := b.children[collection]
	out := make([]Document, 0, len(set))
	for p := range set {
		out = append(out, b.docs[p].clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (b *memoryBackend) MaxSeq() (uint64, error) {
	var max uint64
	for _, d := range b.docs {
		if d.Seq > max {
			max = d.Seq
		}
	}
	return max, nil
}

func (b *memoryBackend) Close() error { return nil }
