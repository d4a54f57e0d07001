// Package config holds the plain configuration structs the gateway's core
// consumes, per spec §6. Loading YAML/JSON and its legacy-shape migration is
// explicitly an external collaborator's concern and out of scope here — this
// package carries no parser, only the shapes the core binds to at startup.
package config

import "time"

// BrokerConfig configures one named honest broker, per §6 and §4.C.
type BrokerConfig struct {
	Name         string
	Scheme       string // one of broker.Scheme
	Prefix       string
	DateShiftMin int
	DateShiftMax int
	DateShiftOn  bool
	HashUIDs     bool
	CacheTTL     time.Duration
	MaxCacheSize int
	Script       string // CEL expression source, only used when Scheme == "script"
}

// RouteConfig configures one listener binding, per §3's Route and §6.
type RouteConfig struct {
	AETitle                string
	Port                   int
	WorkerThreads          int
	MaxConcurrentTransfers int
	QuietPeriod            time.Duration
	RateLimitPerMinute     int
	ValidationRules        []ValidationRuleConfig
	FilterRules            []FilterRuleConfig
	RoutingRules           []RoutingRuleConfig
	TagModifications       []TagModificationConfig
	Destinations           []DestinationEdgeConfig
}

// ValidationRuleConfig mirrors entity.ValidationRule's config-surface shape.
type ValidationRuleConfig struct {
	Name      string
	Type      string
	Tag       string
	Operator  string
	Value     string
	Values    []string
	MinLength int
	MaxLength int
	OnFailure string
}

// FilterRuleConfig mirrors entity.FilterRule's config-surface shape.
type FilterRuleConfig struct {
	Name     string
	Action   string
	Tag      string
	Operator string
	Value    string
	Values   []string
}

// RoutingRuleConfig mirrors entity.RoutingRule's config-surface shape.
type RoutingRuleConfig struct {
	Name         string
	Tag          string
	Operator     string
	Value        string
	Values       []string
	Destinations []string
}

// TagModificationConfig mirrors entity.TagModification's config-surface shape.
type TagModificationConfig struct {
	Tag       string
	Action    string
	Value     string
	SourceTag string
}

// DestinationEdgeConfig mirrors entity.DestinationEdge's config-surface shape.
type DestinationEdgeConfig struct {
	DestinationName string
	Anonymize       bool
	ScriptName      string
	ProjectID       string
	SubjectPrefix   string
	SessionPrefix   string
	AutoArchive     bool
	Priority        int
	RetryCount      int
	RetryDelay      time.Duration
	UseBroker       bool
	BrokerName      string
}

// DestinationConfig is one named destination's kind + kind-specific fields.
type DestinationConfig struct {
	Name       string
	Kind       string // "peer-node", "archive-api", "filesystem"
	PeerNode   *PeerNodeConfig
	ArchiveAPI *ArchiveAPIConfig
	Filesystem *FilesystemConfig
}

type PeerNodeConfig struct {
	CalledAETitle  string
	Host           string
	Port           int
	CallingAETitle string
	TLS            bool
	Timeout        time.Duration
	MaxRetries     int
}

type ArchiveAPIConfig struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	PoolSize   int
	MaxRetries int
}

type FilesystemConfig struct {
	BasePath           string
	DirectoryPattern   string
	NamingPattern      string
	OrganizeByListener bool
}

// Config is the full config surface the core consumes at startup, per §6.
type Config struct {
	Destinations           []DestinationConfig
	Routes                 []RouteConfig
	Brokers                []BrokerConfig
	RetentionDays          int
	HealthCheckIntervalSec int
	CacheDir               string
	Environment            string // "dev" or "prod", consumed by gwlog.New
}
