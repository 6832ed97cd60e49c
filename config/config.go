package config

import (
	"time"
)

type (
	// Bucket contains the connection settings for an S3 compatible bucket.
	// Memory selects an in-memory bucket instead, which is only useful for
	// local testing.
	Bucket struct {
		Memory          bool   `yaml:"memory"`
		Endpoint        string `yaml:"endpoint"`
		Region          string `yaml:"region"`
		Name            string `yaml:"name"`
		AccessKeyID     string `yaml:"accessKeyID"`
		SecretAccessKey string `yaml:"secretAccessKey"`
		Secure          bool   `yaml:"secure"`
	}

	// Retry configures the retry policy applied to every store operation.
	Retry struct {
		MaxRetries      uint64        `yaml:"maxRetries"`
		AttemptTimeout  time.Duration `yaml:"attemptTimeout"`
		InitialInterval time.Duration `yaml:"initialInterval"`
		MaxInterval     time.Duration `yaml:"maxInterval"`
	}

	// Pipeline configures discovery and the worker pools.
	Pipeline struct {
		// Prefix restricts discovery to origin keys with this prefix.
		Prefix string `yaml:"prefix"`
		// PageSize is the number of keys requested per listing call.
		PageSize int `yaml:"pageSize"`
		// ContinuationToken resumes discovery from a listing cursor.
		ContinuationToken string `yaml:"continuationToken"`
		// ListFile is a path or URL of an NDJSON list to migrate instead of
		// listing the origin bucket.
		ListFile string `yaml:"listFile"`

		FilterConcurrency int `yaml:"filterConcurrency"`
		CopyConcurrency   int `yaml:"copyConcurrency"`

		// DedupeCacheSize is the number of destination keys remembered
		// across listing pages. Zero only removes duplicates within a page.
		DedupeCacheSize int `yaml:"dedupeCacheSize"`
	}

	// Denylist lists files containing denylisted root CIDs, one per line.
	Denylist struct {
		Files []string `yaml:"files"`
	}

	// API contains the listen address of the API server
	API struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
	}

	// Metrics configures the prometheus metrics.
	Metrics struct {
		Namespace string `yaml:"namespace"`
	}

	// Log contains the log settings
	Log struct {
		Level string `yaml:"level"`
	}

	// Config contains the configuration for carpark
	Config struct {
		Origin      Bucket   `yaml:"origin"`
		Destination Bucket   `yaml:"destination"`
		SideIndex   Bucket   `yaml:"sideIndex"`
		RootIndex   Bucket   `yaml:"rootIndex"`
		Retry       Retry    `yaml:"retry"`
		Pipeline    Pipeline `yaml:"pipeline"`
		// Checkpoints maps an input source to the number of leading
		// references that have already been migrated.
		Checkpoints map[string]uint64 `yaml:"checkpoints"`
		Denylist    Denylist          `yaml:"denylist"`
		API         API               `yaml:"api"`
		Metrics     Metrics           `yaml:"metrics"`
		Log         Log               `yaml:"log"`
	}
)
