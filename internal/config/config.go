// Package config loads the backup-job document and the proxy settings
// the HTTP transport uses to reach cloud providers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from the Go duration
// syntax ("30m", "24h", "72h30m") or, for bare integers, seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var text string
	if err := value.Decode(&text); err != nil {
		return fmt.Errorf("invalid duration value: %s", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %s", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderKind discriminates the provider union in a job's
// destination settings.
type ProviderKind string

const (
	ProviderDropbox ProviderKind = "dropbox"
	ProviderS3      ProviderKind = "s3"
	ProviderAzure   ProviderKind = "azureblob"
	ProviderLocal   ProviderKind = "local"
)

// Provider is the discriminated union of supported storage backends;
// the Type tag selects which of the remaining field groups apply.
type Provider struct {
	Type ProviderKind `yaml:"type"`

	// Dropbox
	AccessToken string `yaml:"access_token,omitempty"`

	// S3
	Bucket          string `yaml:"bucket,omitempty"`
	Region          string `yaml:"region,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`

	// Azure Blob
	AccountName   string `yaml:"account_name,omitempty"`
	AccountKey    string `yaml:"account_key,omitempty"`
	ContainerName string `yaml:"container_name,omitempty"`

	// Local (used for test fixtures / dry runs)
	Root string `yaml:"root,omitempty"`
}

// Job is one configured backup sync.
type Job struct {
	Name                  string        `yaml:"name"`
	Src                   string        `yaml:"src"`
	Dst                   string        `yaml:"dst"`
	Provider              Provider      `yaml:"provider"`
	EncryptionPassphrase  string        `yaml:"encryption_passphrase"`
	MaxBackupGroups       int           `yaml:"max_backup_groups"`
	MaxTimeWithoutBackups Duration      `yaml:"max_time_without_backups"`
}

// Validate checks a job's invariants before it runs.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job: name is required")
	}
	if j.Src == "" {
		return fmt.Errorf("job %q: src is required", j.Name)
	}
	if j.Dst == "" {
		return fmt.Errorf("job %q: dst is required", j.Name)
	}
	if j.MaxBackupGroups <= 0 {
		return fmt.Errorf("job %q: max_backup_groups must be a positive integer", j.Name)
	}
	if j.MaxTimeWithoutBackups < 0 {
		return fmt.Errorf("job %q: max_time_without_backups must not be negative", j.Name)
	}
	switch j.Provider.Type {
	case ProviderDropbox:
		if j.Provider.AccessToken == "" {
			return fmt.Errorf("job %q: dropbox provider requires access_token", j.Name)
		}
	case ProviderS3:
		if j.Provider.Bucket == "" {
			return fmt.Errorf("job %q: s3 provider requires bucket", j.Name)
		}
	case ProviderAzure:
		if j.Provider.AccountName == "" || j.Provider.ContainerName == "" {
			return fmt.Errorf("job %q: azureblob provider requires account_name and container_name", j.Name)
		}
	case ProviderLocal:
		if j.Provider.Root == "" {
			return fmt.Errorf("job %q: local provider requires root", j.Name)
		}
	default:
		return fmt.Errorf("job %q: unsupported provider type %q", j.Name, j.Provider.Type)
	}
	return nil
}

// Proxy holds HTTP proxy configuration shared by every job's transport.
type Proxy struct {
	Mode     string `yaml:"mode"` // "", "no-proxy", "system", "basic", "ntlm"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	NoProxy  string `yaml:"no_proxy"`
	Warmup   bool   `yaml:"warmup"`
	WarmupURL string `yaml:"warmup_url"`
}

// Document is the full parsed configuration file: a list of backup jobs
// plus the proxy settings the transport uses to reach every provider.
type Document struct {
	Jobs  []Job `yaml:"jobs"`
	Proxy Proxy `yaml:"proxy"`
}

// Config is the reduced view the HTTP package needs; kept distinct from
// Document so internal/http does not import the job-list shape.
type Config struct {
	ProxyMode     string
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword string
	NoProxy       string
	ProxyWarmup   bool
	WarmupURL     string
}

// HTTPConfig projects the Document's proxy settings into a Config.
func (d *Document) HTTPConfig() *Config {
	return &Config{
		ProxyMode:     d.Proxy.Mode,
		ProxyHost:     d.Proxy.Host,
		ProxyPort:     d.Proxy.Port,
		ProxyUser:     d.Proxy.User,
		ProxyPassword: d.Proxy.Password,
		NoProxy:       d.Proxy.NoProxy,
		ProxyWarmup:   d.Proxy.Warmup,
		WarmupURL:     d.Proxy.WarmupURL,
	}
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("config %s: no backup jobs configured", path)
	}
	for i := range doc.Jobs {
		if err := doc.Jobs[i].Validate(); err != nil {
			return nil, err
		}
	}

	return &doc, nil
}
