package e2e

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/dittovcs/pkg/config"
)

// StorageType is the backing transport a test run serves from.
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageLocal  StorageType = "local"
	StorageS3     StorageType = "s3"
)

// LockType is the lock store a test run uses.
type LockType string

const (
	LocksMemory LockType = "memory"
	LocksBadger LockType = "badger"
)

// TestConfig holds the configuration for a test run.
type TestConfig struct {
	Name    string
	Storage StorageType
	Locks   LockType

	// s3Bucket and s3Endpoint are set by the localstack setup.
	s3Bucket   string
	s3Endpoint string
}

func (tc *TestConfig) String() string {
	return fmt.Sprintf("%s/%s", tc.Storage, tc.Locks)
}

// Persistent reports whether both storage and locks survive a restart.
func (tc *TestConfig) Persistent() bool {
	return tc.Storage != StorageMemory && tc.Locks == LocksBadger
}

// StorageConfig builds the storage section for this run. Directories are
// created under dir.
func (tc *TestConfig) StorageConfig(dir string) config.StorageConfig {
	switch tc.Storage {
	case StorageLocal:
		return config.StorageConfig{
			Type:  "local",
			Local: map[string]any{"path": filepath.Join(dir, "storage"), "create_dir": true},
		}
	case StorageS3:
		return config.StorageConfig{
			Type: "s3",
			S3: map[string]any{
				"bucket":            tc.s3Bucket,
				"region":            "us-east-1",
				"endpoint":          tc.s3Endpoint,
				"key_prefix":        "e2e/",
				"access_key_id":     "test",
				"secret_access_key": "test",
			},
		}
	default:
		return config.StorageConfig{Type: "memory"}
	}
}

// LocksConfig builds the locks section for this run.
func (tc *TestConfig) LocksConfig(dir string) config.LocksConfig {
	if tc.Locks == LocksBadger {
		return config.LocksConfig{
			Type:   "badger",
			Badger: map[string]any{"db_path": filepath.Join(dir, "locks")},
		}
	}
	return config.LocksConfig{Type: "memory"}
}

// AllConfigurations returns every combination to run the suites against.
// S3 runs are only included when LOCALSTACK_ENDPOINT is set.
func AllConfigurations() []*TestConfig {
	configs := []*TestConfig{
		{Name: "memory-memory", Storage: StorageMemory, Locks: LocksMemory},
		{Name: "local-memory", Storage: StorageLocal, Locks: LocksMemory},
		{Name: "local-badger", Storage: StorageLocal, Locks: LocksBadger},
	}
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		configs = append(configs, &TestConfig{
			Name:       "s3-badger",
			Storage:    StorageS3,
			Locks:      LocksBadger,
			s3Endpoint: endpoint,
		})
	}
	return configs
}

// PersistentConfigurations returns the configurations whose state
// survives a server restart.
func PersistentConfigurations() []*TestConfig {
	var out []*TestConfig
	for _, c := range AllConfigurations() {
		if c.Persistent() {
			out = append(out, c)
		}
	}
	return out
}
