// Package config holds kiln's settings.
//
// Settings come from, in increasing precedence: built-in defaults, a YAML
// config file, KILN_* environment variables and command-line flags. The
// CLI binds its flags into a *viper.Viper and calls Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/jbweber/kiln/internal/cloudinit"
	"github.com/jbweber/kiln/internal/imagestore"
	"github.com/jbweber/kiln/internal/lease"
	"github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/mirror"
	"github.com/jbweber/kiln/internal/simplestreams"
	"github.com/jbweber/kiln/internal/storage"
	"github.com/jbweber/kiln/internal/wait"
)

// EnvPrefix prefixes environment overrides: KILN_POOL_NAME sets pool.name.
const EnvPrefix = "KILN"

// SystemConfigFile is read when no --config is given and it exists.
const SystemConfigFile = "/etc/kiln/config.yaml"

// Config is the complete kiln configuration.
type Config struct {
	Libvirt     LibvirtConfig    `mapstructure:"libvirt"`
	Pool        PoolConfig       `mapstructure:"pool"`
	ImagePool   string           `mapstructure:"image_pool"`
	MetadataDir string           `mapstructure:"metadata_dir"`
	Mirror      MirrorConfig     `mapstructure:"mirror"`
	Lease       LeaseConfig      `mapstructure:"lease"`
	Wait        WaitConfig       `mapstructure:"wait"`
	Datasource  DatasourceConfig `mapstructure:"datasource"`

	// TemplateDir overrides the built-in domain templates. It holds one
	// <arch>.xml file per guest architecture.
	TemplateDir string `mapstructure:"template_dir"`
}

// LibvirtConfig locates the libvirt daemon.
type LibvirtConfig struct {
	Socket  string        `mapstructure:"socket"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PoolConfig is the storage pool kiln keeps images and instance disks in.
type PoolConfig struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// MirrorConfig configures image synchronization.
type MirrorConfig struct {
	URL      string `mapstructure:"url"`
	Keyring  string `mapstructure:"keyring"`
	NoAuth   bool   `mapstructure:"no_authentication"`
	MaxItems int    `mapstructure:"max_items"`
}

// LeaseConfig lists the dnsmasq lease files to read and watch.
type LeaseConfig struct {
	Files []string `mapstructure:"files"`
}

// WaitConfig configures readiness waits.
type WaitConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`

	// RemoteScript is run in the guest once ssh is up. Empty means the
	// built-in script.
	RemoteScript string `mapstructure:"remote_script"`
	RemoteUser   string `mapstructure:"remote_user"`
}

// DatasourceConfig selects how cloud-init datasource images are built.
type DatasourceConfig struct {
	Builder string `mapstructure:"builder"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Libvirt: LibvirtConfig{
			Socket:  libvirt.DefaultSocket,
			Timeout: libvirt.DefaultTimeout,
		},
		Pool: PoolConfig{
			Name: storage.DefaultPool,
			Path: storage.DefaultPoolPath,
		},
		ImagePool:   storage.DefaultPool,
		MetadataDir: imagestore.DefaultDir,
		Mirror: MirrorConfig{
			URL:      simplestreams.DefaultURL,
			Keyring:  simplestreams.DefaultKeyring,
			MaxItems: mirror.DefaultMaxItems,
		},
		Lease: LeaseConfig{Files: lease.DefaultFiles()},
		Wait: WaitConfig{
			Timeout:    wait.DefaultTimeout,
			Interval:   wait.DefaultInterval,
			RemoteUser: "ubuntu",
		},
		Datasource: DatasourceConfig{Builder: cloudinit.BuilderLocalDS},
	}
}

// SetDefaults registers every default with v so that environment
// variables can override keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("libvirt.socket", d.Libvirt.Socket)
	v.SetDefault("libvirt.timeout", d.Libvirt.Timeout)
	v.SetDefault("pool.name", d.Pool.Name)
	v.SetDefault("pool.path", d.Pool.Path)
	v.SetDefault("image_pool", d.ImagePool)
	v.SetDefault("metadata_dir", d.MetadataDir)
	v.SetDefault("mirror.url", d.Mirror.URL)
	v.SetDefault("mirror.keyring", d.Mirror.Keyring)
	v.SetDefault("mirror.no_authentication", d.Mirror.NoAuth)
	v.SetDefault("mirror.max_items", d.Mirror.MaxItems)
	v.SetDefault("lease.files", d.Lease.Files)
	v.SetDefault("wait.timeout", d.Wait.Timeout)
	v.SetDefault("wait.interval", d.Wait.Interval)
	v.SetDefault("wait.remote_script", d.Wait.RemoteScript)
	v.SetDefault("wait.remote_user", d.Wait.RemoteUser)
	v.SetDefault("datasource.builder", d.Datasource.Builder)
	v.SetDefault("template_dir", d.TemplateDir)
}

// Load reads the config file (cfgFile, else SystemConfigFile, else
// ~/.config/kiln/config.yaml), applies environment overrides and returns
// the validated result. A missing default config file is not an error; a
// missing explicit one is.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case cfgFile != "":
		v.SetConfigFile(cfgFile)
	case fileExists(SystemConfigFile):
		v.SetConfigFile(SystemConfigFile)
	default:
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "kiln"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Validate checks the configuration for errors. It does not check that
// pools, sockets or files exist.
func (c *Config) Validate() error {
	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}
	if c.ImagePool == "" {
		return fmt.Errorf("image_pool is required")
	}
	if c.MetadataDir == "" {
		return fmt.Errorf("metadata_dir is required")
	}
	if c.Pool.Path != "" && !filepath.IsAbs(c.Pool.Path) {
		return fmt.Errorf("pool.path must be absolute, got %q", c.Pool.Path)
	}
	if c.Libvirt.Timeout < 0 {
		return fmt.Errorf("libvirt.timeout must not be negative, got %s", c.Libvirt.Timeout)
	}
	if c.Mirror.MaxItems <= 0 {
		return fmt.Errorf("mirror.max_items must be > 0, got %d", c.Mirror.MaxItems)
	}
	if c.Wait.Timeout <= 0 {
		return fmt.Errorf("wait.timeout must be > 0, got %s", c.Wait.Timeout)
	}
	if c.Wait.Interval <= 0 {
		return fmt.Errorf("wait.interval must be > 0, got %s", c.Wait.Interval)
	}
	if len(c.Lease.Files) == 0 {
		return fmt.Errorf("at least one lease.files entry is required")
	}
	switch c.Datasource.Builder {
	case cloudinit.BuilderLocalDS, cloudinit.BuilderISO:
	default:
		return fmt.Errorf("datasource.builder must be %q or %q, got %q", cloudinit.BuilderLocalDS, cloudinit.BuilderISO, c.Datasource.Builder)
	}
	return nil
}

// TemplatePath returns the configured template for arch, or "" to use the
// built-in one.
func (c *Config) TemplatePath(arch string) string {
	if c.TemplateDir == "" {
		return ""
	}
	return filepath.Join(c.TemplateDir, arch+".xml")
}

// ValidateName checks an instance name. Names are used as libvirt domain
// names, cloud-init hostnames and volume name prefixes.
func ValidateName(name string) error {
	// Must start and end with alphanumeric, can contain alphanumeric and
	// hyphens. Single character names just need to be alphanumeric.
	namePattern := `^[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9]$`
	if len(name) == 1 {
		namePattern = `^[a-zA-Z0-9]$`
	}
	matched, err := regexp.MatchString(namePattern, name)
	if err != nil {
		return fmt.Errorf("name validation error: %w", err)
	}
	if !matched {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only alphanumeric characters or hyphens, got %q", name)
	}
	if len(name) > 63 {
		return fmt.Errorf("name must be at most 63 characters, got %d", len(name))
	}
	return nil
}

// ValidateAuthorizedKeys checks that every entry parses as an SSH public
// key.
func ValidateAuthorizedKeys(keys []string) error {
	for i, key := range keys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("authorized key %d is not a valid SSH public key: %w", i, err)
		}
	}
	return nil
}
