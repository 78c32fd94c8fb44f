// Package configuration parses the registry's yaml configuration file.
package configuration

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is a versioned registry configuration, intended to be
// provided by a yaml file.
type Configuration struct {
	// Version is the version which defines the format of the rest of the
	// configuration.
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// Level is the granularity at which registry operations are logged.
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter overrides the default formatter with another. Options
		// include "text" and "json".
		Formatter string `yaml:"formatter,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]interface{} `yaml:"fields,omitempty"`
	} `yaml:"log"`

	// Storage is the configuration for the registry's storage driver.
	Storage Storage `yaml:"storage"`

	// Auth allows configuration of various authorization methods that may
	// be used to gate requests.
	Auth Auth `yaml:"auth,omitempty"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP struct {
		// Addr specifies the bind address for the registry instance.
		Addr string `yaml:"addr,omitempty"`

		// Prefix specifies the URL path under which the registry api is
		// served. It must include both preceding and trailing slashes, such
		// as "/mirror/".
		Prefix string `yaml:"prefix,omitempty"`

		// Secret specifies the secret key with which upload state is signed.
		Secret string `yaml:"secret,omitempty"`

		// DrainTimeout is the amount of time to wait for HTTP connections
		// to drain before shutting down during a graceful stop.
		DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

		// Debug configures the http debug interface, if specified. This can
		// include services such as pprof.
		Debug struct {
			// Addr specifies the bind address for the debug server.
			Addr string `yaml:"addr,omitempty"`
		} `yaml:"debug,omitempty"`
	} `yaml:"http,omitempty"`

	// Redis configures the redis pool available to the registry blob
	// descriptor cache.
	Redis Redis `yaml:"redis,omitempty"`

	// Catalog is composed of MaxEntries. Catalog endpoint (/v2/_catalog)
	// configuration, it provides the configuration options to control the
	// maximum number of entries returned by the catalog endpoint.
	Catalog Catalog `yaml:"catalog,omitempty"`
}

// Catalog is composed of MaxEntries. Catalog endpoint (/v2/_catalog)
// configuration, it provides the configuration options to control the
// maximum number of entries returned by the catalog endpoint.
type Catalog struct {
	// MaxEntries sets a limit parameter on the max amount of entries
	// returned by the catalog endpoint. A zero value falls back to the
	// handler default.
	MaxEntries int `yaml:"maxentries,omitempty"`
}

// Redis configures the redis connection pool.
type Redis struct {
	// Addr specifies the redis instance available to the application.
	Addr string `yaml:"addr,omitempty"`

	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`

	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
}

// Version is a major/minor version pair of the form Major.Minor. Major
// version upgrades indicate structure or type changes, minor version
// upgrades should be strictly additive.
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor
// components.
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart, _, _ := strings.Cut(string(version), ".")
	major, err := strconv.ParseUint(majorPart, 10, 0)
	return uint(major), err
}

// Major returns the major version portion of a Version.
func (version Version) Major() uint {
	major, _ := version.major()
	return major
}

func (version Version) minor() (uint, error) {
	_, minorPart, _ := strings.Cut(string(version), ".")
	minor, err := strconv.ParseUint(minorPart, 10, 0)
	return uint(minor), err
}

// Minor returns the minor version portion of a Version.
func (version Version) Minor() uint {
	minor, _ := version.minor()
	return minor
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. Unmarshals a
// string of the form X.Y into a Version, validating that X and Y can
// represent uints.
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	err := unmarshal(&versionString)
	if err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}

	if _, err := newVersion.minor(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed.
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged. This can be error,
// warn, info, or debug.
type Loglevel string

// UnmarshalYAML implements the yaml.Unmarshaler interface, lowercasing the
// string and validating that it represents a valid loglevel.
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s, must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping.
type Parameters map[string]interface{}

// Storage defines the configuration for registry object storage. One key
// names the storage driver; the reserved keys "cache", "delete" and
// "maintenance" configure storage behavior rather than a driver.
type Storage map[string]Parameters

// Type returns the storage driver type, such as filesystem or inmemory.
func (storage Storage) Type() string {
	var storageType []string

	// Return only key in this map
	for k := range storage {
		switch k {
		case "cache", "delete", "maintenance":
			// allow configuration of cache, delete and maintenance
		default:
			storageType = append(storageType, k)
		}
	}
	if len(storageType) > 1 {
		panic("multiple storage drivers specified in configuration or environment: " + strings.Join(storageType, ", "))
	}
	if len(storageType) == 1 {
		return storageType[0]
	}
	return ""
}

// Parameters returns the Parameters map for a Storage configuration.
func (storage Storage) Parameters() Parameters {
	return storage[storage.Type()]
}

// BlobDescriptorCacheType returns the type of the configured blob descriptor
// cache, or the empty string when caching is not configured.
func (storage Storage) BlobDescriptorCacheType() string {
	if cache, ok := storage["cache"]; ok {
		if v, ok := cache["blobdescriptor"].(string); ok {
			return v
		}
	}
	return ""
}

// DeleteEnabled returns true if delete is enabled in the configuration.
func (storage Storage) DeleteEnabled() bool {
	if del, ok := storage["delete"]; ok {
		if v, ok := del["enabled"].(bool); ok {
			return v
		}
	}
	return false
}

// ReadOnly returns true when the registry is configured to reject writes.
func (storage Storage) ReadOnly() bool {
	if maintenance, ok := storage["maintenance"]; ok {
		if v, ok := maintenance["readonly"].(bool); ok {
			return v
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. Unmarshals a
// single item map into a Storage or a string into a Storage type with no
// parameters.
func (storage *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var storageMap map[string]Parameters
	err := unmarshal(&storageMap)
	if err == nil {
		if len(storageMap) > 1 {
			types := make([]string, 0, len(storageMap))
			for k := range storageMap {
				switch k {
				case "cache", "delete", "maintenance":
					// allow configuration of cache, delete and maintenance
				default:
					types = append(types, k)
				}
			}

			if len(types) > 1 {
				return fmt.Errorf("must provide exactly one storage type, provided: %v", types)
			}
		}
		*storage = storageMap
		return nil
	}

	var storageType string
	err = unmarshal(&storageType)
	if err == nil {
		*storage = Storage{storageType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface.
func (storage Storage) MarshalYAML() (interface{}, error) {
	if storage.Parameters() == nil {
		return storage.Type(), nil
	}
	return map[string]Parameters(storage), nil
}

// Auth defines the configuration for registry authorization.
type Auth map[string]Parameters

// Type returns the auth type, such as htpasswd or token.
func (auth Auth) Type() string {
	// Return only key in this map
	for k := range auth {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for an Auth configuration.
func (auth Auth) Parameters() Parameters {
	return auth[auth.Type()]
}

// UnmarshalYAML implements the yaml.Unmarshaler interface. Unmarshals a
// single item map into an Auth or a string into an Auth type with no
// parameters.
func (auth *Auth) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var m map[string]Parameters
	err := unmarshal(&m)
	if err == nil {
		if len(m) > 1 {
			types := make([]string, 0, len(m))
			for k := range m {
				types = append(types, k)
			}

			return fmt.Errorf("must provide exactly one auth type, provided: %v", types)
		}
		*auth = m
		return nil
	}

	var authType string
	err = unmarshal(&authType)
	if err == nil {
		*auth = Auth{authType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface.
func (auth Auth) MarshalYAML() (interface{}, error) {
	if auth.Parameters() == nil {
		return auth.Type(), nil
	}
	return map[string]Parameters(auth), nil
}

// Parse parses an input configuration yaml document into a Configuration
// struct.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	var versioned struct {
		Version Version `yaml:"version"`
	}
	if err := yaml.Unmarshal(in, &versioned); err != nil {
		return nil, err
	}
	if versioned.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported configuration version %q, expected %q", versioned.Version, CurrentVersion)
	}

	config := new(Configuration)
	if err := yaml.Unmarshal(in, config); err != nil {
		return nil, err
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Storage.Type() == "" {
		return nil, fmt.Errorf("no storage configuration provided")
	}
	if config.HTTP.Prefix != "" {
		if !strings.HasPrefix(config.HTTP.Prefix, "/") || !strings.HasSuffix(config.HTTP.Prefix, "/") {
			return nil, fmt.Errorf("http prefix %q must begin and end with a slash", config.HTTP.Prefix)
		}
	}

	return config, nil
}
