package storage

// Config holds the tunables for an Archive's underlying BadgerDB.
type Config struct {
	DataDir        string
	InMemory       bool
	SyncWrites     bool
	DisableLogging bool
	// GCInterval in seconds; 0 disables the value-log GC routine.
	GCInterval int
}

// DefaultConfig returns a config suitable for single-machine runs: on-disk,
// async writes, hourly GC, badger's own logging silenced.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		SyncWrites:     false,
		DisableLogging: true,
		GCInterval:     3600,
	}
}

// MemoryConfig returns a config for an in-memory archive, used in tests and
// throwaway simulations.
func MemoryConfig() Config {
	return Config{InMemory: true, DisableLogging: true}
}
