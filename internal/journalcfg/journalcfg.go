// Package journalcfg defines the typed configuration surface for a journal
// instance (spec §6 "Configuration options"), with defaults and a loader
// that reads YAML/env via viper, following the teacher's config-struct
// conventions.
package journalcfg

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/emidln/s3-journal/internal/frame"
)

// Options is every recognized configuration key from spec §6, typed.
type Options struct {
	// Object-store target and credentials. S3AccessKey and S3SecretKey are
	// loaded but not passed to the S3 client: objectstore.New takes its
	// credentials from the AWS SDK's default credential chain.
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3Region    string `mapstructure:"s3_region"`
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Insecure  bool   `mapstructure:"s3_insecure"`

	// S3DirectoryFormat is the strftime-style UTC pattern, optionally
	// prefixed by a single-quoted literal bucket-prefix segment.
	S3DirectoryFormat string `mapstructure:"s3_directory_format"`

	// LocalDirectory is the filesystem directory for the durable queue
	// (required).
	LocalDirectory string `mapstructure:"local_directory"`

	// Compressor names identity/gzip/snappy/zstd/bzip2/lzo; bzip2/lzo
	// require a CustomCompressor to be supplied programmatically (spec §9).
	Compressor string `mapstructure:"compressor"`

	// Delimiter is the per-record separator; DelimiterSet distinguishes an
	// explicit null delimiter from "use the default".
	Delimiter    string `mapstructure:"delimiter"`
	DelimiterSet bool   `mapstructure:"delimiter_set"`

	Sized bool `mapstructure:"sized"`
	Fsync bool `mapstructure:"fsync"`

	// Suffix overrides the object-key suffix; empty derives it from the
	// compressor.
	Suffix string `mapstructure:"suffix"`

	// ID is the journal identifier baked into object keys; empty resolves
	// to the local hostname at New time (internal/hostid).
	ID string `mapstructure:"id"`

	MaxQueueSize     int `mapstructure:"max_queue_size"`
	MaxBatchSize     int `mapstructure:"max_batch_size"`
	MaxBatchLatencyMS int64 `mapstructure:"max_batch_latency"`

	// ExpirationMS, if >0, is the age in milliseconds after which a
	// stranded multipart upload is reclaimed by the sweeper. Zero disables
	// sweeping.
	ExpirationMS int64 `mapstructure:"expiration"`

	// Shards is checked by Validate (0 to 36) and is not otherwise read:
	// New always builds a single journal, and NewSharded takes its shard
	// count as an argument rather than from this field.
	Shards int `mapstructure:"shards"`

	// CustomCompressor, when set, overrides Compressor entirely (spec §6
	// "compressor ... or a custom bytes->bytes function").
	CustomCompressor frame.Compressor `mapstructure:"-"`
	// Encoder, when set, overrides the default identity record encoder.
	Encoder frame.Encoder `mapstructure:"-"`
}

// Defaults returns an Options populated with the spec's documented
// defaults (spec §6): fsync on, 60s batch latency, "\n" delimiter,
// identity encoder/compressor.
func Defaults() Options {
	return Options{
		S3DirectoryFormat: "yyyy/MM/dd",
		Fsync:             true,
		MaxBatchLatencyMS: 60_000,
		Compressor:        "identity",
	}
}

// Validate checks the options for internal consistency, mirroring the
// fatal-at-construction-time checks the spec calls out (local_directory is
// required; at least one of max_batch_size/max_batch_latency must be set;
// shards must be <= 36).
func (o Options) Validate() error {
	if o.LocalDirectory == "" {
		return fmt.Errorf("journalcfg: local_directory is required")
	}
	if o.S3Bucket == "" {
		return fmt.Errorf("journalcfg: s3_bucket is required")
	}
	if o.MaxBatchSize <= 0 && o.MaxBatchLatencyMS <= 0 {
		return fmt.Errorf("journalcfg: at least one of max_batch_size or max_batch_latency must be set")
	}
	if o.Shards < 0 || o.Shards > 36 {
		return fmt.Errorf("journalcfg: shards must be between 0 and 36, got %d", o.Shards)
	}
	return nil
}

// BatchLatency converts MaxBatchLatencyMS to a time.Duration.
func (o Options) BatchLatency() time.Duration {
	return time.Duration(o.MaxBatchLatencyMS) * time.Millisecond
}

// Expiration converts ExpirationMS to a time.Duration; zero means
// sweeping is disabled.
func (o Options) Expiration() time.Duration {
	return time.Duration(o.ExpirationMS) * time.Millisecond
}

// DelimiterBytes resolves the configured delimiter to the bytes
// frame.Framer expects: DelimiterSet+empty means "explicit null"
// (frame.NoDelimiter),
// unset means "use frame's own default", and any other value is used
// verbatim.
func (o Options) DelimiterBytes() []byte {
	if !o.DelimiterSet {
		return nil
	}
	if o.Delimiter == "" {
		return frame.NoDelimiter
	}
	return []byte(o.Delimiter)
}

// Load reads configuration from environment variables prefixed JOURNAL_,
// a YAML file (if path is non-empty), and Defaults(), in that order of
// precedence, following the teacher's viper-based config loading
// convention.
func Load(path string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("journal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"s3_access_key", "s3_secret_key", "s3_bucket", "s3_region", "s3_endpoint",
		"s3_insecure", "s3_directory_format", "local_directory", "compressor",
		"delimiter", "delimiter_set", "sized", "fsync", "suffix", "id",
		"max_queue_size", "max_batch_size", "max_batch_latency", "expiration", "shards",
	} {
		_ = v.BindEnv(key)
	}

	def := Defaults()
	v.SetDefault("s3_directory_format", def.S3DirectoryFormat)
	v.SetDefault("fsync", def.Fsync)
	v.SetDefault("max_batch_latency", def.MaxBatchLatencyMS)
	v.SetDefault("compressor", def.Compressor)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("journalcfg: read config %s: %w", path, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("journalcfg: unmarshal config: %w", err)
	}
	return opts, nil
}
