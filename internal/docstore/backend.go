package docstore

// Backend persists documents for a Local store. Local serializes all calls, so
// implementations need no locking of their own beyond what their storage
// requires.
type Backend interface {
	Get(path string) (Document, bool, error)
	Put(doc Document) error
	Delete(path string) error
	// List returns the documents directly inside collection in Seq order.
	List(collection string) ([]Document, error)
	MaxSeq() (uint64, error)
	Close() error
}
