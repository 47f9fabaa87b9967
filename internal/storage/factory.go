package storage

// NewStorage creates the SQLite-backed entity store.
func NewStorage(dataDir string) (Storage, error) {
	return NewSQLiteStorage(dataDir)
}
