// Package entity defines the core data model of the routing gateway: the
// Instance/Study hierarchy, Routes and Destinations, Scripts, crosswalk rows,
// and the per-study TransferRecord and ArchivedStudy records.
package entity

import "time"

// Type aliases for domain identifiers, kept distinct from plain strings so
// call sites read as intent rather than untyped text.
type (
	StudyUID  = string
	SeriesUID = string
	SOPUID    = string
	AETitle   = string
)

// Now returns the current UTC time. Centralized so every timestamp in the
// gateway uses the same clock and time zone.
func Now() time.Time {
	return time.Now().UTC()
}

// Instance is a single imaging object belonging to a Study and Series.
type Instance struct {
	StudyUID          StudyUID
	SeriesUID         SeriesUID
	SOPInstanceUID    SOPUID
	SOPClassUID       string
	TransferSyntaxUID string
	CallingAETitle    AETitle
	ReceivedAt        time.Time
	SizeBytes         int64
	// StoredPath is the on-disk location of the verbatim received object
	// under a listener's incoming/ tree.
	StoredPath string
}

// Key returns the (StudyUID, SeriesUID, SOPInstanceUID) primary key.
func (i Instance) Key() InstanceKey {
	return InstanceKey{StudyUID: i.StudyUID, SeriesUID: i.SeriesUID, SOPInstanceUID: i.SOPInstanceUID}
}

// InstanceKey is the primary key of an Instance.
type InstanceKey struct {
	StudyUID       StudyUID
	SeriesUID      SeriesUID
	SOPInstanceUID SOPUID
}

// Unknown literals substituted when an instance's header omits the
// corresponding UID, per §4.G.2.
const (
	UnknownStudy  = "UNKNOWN_STUDY"
	UnknownSeries = "UNKNOWN_SERIES"
)

// StudyState is the lifecycle state of a Study as tracked by the receiver's
// watcher and the forward orchestrator.
type StudyState string

const (
	StudyOpen      StudyState = "OPEN"
	StudyReady     StudyState = "READY"
	StudyFiltered  StudyState = "FILTERED"
	StudyDestroyed StudyState = "DESTROYED"
)

// StudyReadyEvent is emitted by the receiver's watcher when a study's quiet
// period has elapsed.
type StudyReadyEvent struct {
	ListenerAE AETitle
	StudyUID   StudyUID
	Path       string
	FileCount  int
	Bytes      int64
	CallingAE  AETitle
}

// DestinationKind enumerates the three destination variants of §3.
type DestinationKind string

const (
	DestinationPeerNode   DestinationKind = "peer-node"
	DestinationArchiveAPI DestinationKind = "archive-api"
	DestinationFilesystem DestinationKind = "filesystem"
)

// PeerNodeConfig configures a peer-node destination.
type PeerNodeConfig struct {
	CalledAETitle  AETitle
	Host           string
	Port           int
	CallingAETitle AETitle
	TLS            bool
	Timeout        time.Duration
	MaxRetries     int
}

// ArchiveAPIConfig configures a research-archive HTTP destination.
type ArchiveAPIConfig struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	PoolSize   int
	MaxRetries int
}

// FilesystemConfig configures a local-filesystem destination.
type FilesystemConfig struct {
	BasePath          string
	DirectoryPattern  string
	NamingPattern     string
	OrganizeByListener bool
}

// Destination is a globally registered delivery target, exactly one of its
// kind-specific configs populated according to Kind.
type Destination struct {
	Name       string
	Kind       DestinationKind
	PeerNode   *PeerNodeConfig
	ArchiveAPI *ArchiveAPIConfig
	Filesystem *FilesystemConfig
}

// DestinationEdge is a per-route binding to a Destination with edge-local
// settings (§3 Route<->Destination many-to-many).
type DestinationEdge struct {
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

// RuleFailureAction is the disposition of a failed ValidationRule.
type RuleFailureAction string

const (
	OnFailureReject RuleFailureAction = "reject"
	OnFailureWarn   RuleFailureAction = "warn"
	OnFailureLog    RuleFailureAction = "log"
)

// ValidationRuleType enumerates §4.H validation rule kinds.
type ValidationRuleType string

const (
	ValidationRequiredTag ValidationRuleType = "required_tag"
	ValidationTagValue    ValidationRuleType = "tag_value"
	ValidationTagLength   ValidationRuleType = "tag_length"
)

// Operator enumerates the predicate operators shared by validation, filter,
// and routing rules.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpMatches    Operator = "matches"
	OpIn         Operator = "in"
)

// ValidationRule is one §4.H.2 rule.
type ValidationRule struct {
	Name      string
	Type      ValidationRuleType
	Tag       string
	Operator  Operator
	Value     string
	Values    []string
	MinLength int
	MaxLength int
	OnFailure RuleFailureAction
}

// FilterAction is include/exclude for a FilterRule.
type FilterAction string

const (
	FilterInclude FilterAction = "include"
	FilterExclude FilterAction = "exclude"
)

// FilterRule is one §4.H.3 rule.
type FilterRule struct {
	Name     string
	Action   FilterAction
	Tag      string
	Operator Operator
	Value    string
	Values   []string
}

// RoutingRule selects destinations by matching the study's representative
// attributes, per §4.H.4.
type RoutingRule struct {
	Name         string
	Tag          string
	Operator     Operator
	Value        string
	Values       []string
	Destinations []string
}

// TagModAction enumerates §4.H.5 tag-rewrite actions.
type TagModAction string

const (
	TagModSet        TagModAction = "set"
	TagModRemove     TagModAction = "remove"
	TagModCopyFrom   TagModAction = "copy-from-tag"
	TagModPrefix     TagModAction = "prefix"
	TagModSuffix     TagModAction = "suffix"
	TagModHash       TagModAction = "hash"
)

// TagModification is one §4.H.5 rewrite step, applied in list order.
type TagModification struct {
	Tag        string
	Action     TagModAction
	Value      string
	SourceTag  string
}

// Route is an immutable-per-run listener binding (§3 Route).
type Route struct {
	AETitle                AETitle
	Port                   int
	WorkerThreads          int
	MaxConcurrentTransfers int
	QuietPeriod            time.Duration
	RateLimitPerMinute     int
	ValidationRules        []ValidationRule
	FilterRules            []FilterRule
	RoutingRules           []RoutingRule
	TagModifications       []TagModification
	Destinations           []DestinationEdge
}

// TransferState is the TransferRecord lifecycle of §3.
type TransferState string

const (
	TransferPending    TransferState = "pending"
	TransferProcessing TransferState = "processing"
	TransferForwarding TransferState = "forwarding"
	TransferCompleted  TransferState = "completed"
	TransferPartial    TransferState = "partial"
	TransferFailed     TransferState = "failed"
)

// DestinationEdgeState is the per-destination delivery state of §3.
type DestinationEdgeState string

const (
	EdgePending      DestinationEdgeState = "pending"
	EdgeProcessing   DestinationEdgeState = "processing"
	EdgeForwarding   DestinationEdgeState = "forwarding"
	EdgeSuccess      DestinationEdgeState = "success"
	EdgeFailed       DestinationEdgeState = "failed"
	EdgeRetryPending DestinationEdgeState = "retry_pending"
)

// DestinationOutcome tracks one edge's progress within a TransferRecord.
type DestinationOutcome struct {
	Name             string
	State            DestinationEdgeState
	Attempts         int
	LastAttempt      time.Time
	NextRetry        time.Time
	Duration         time.Duration
	FilesTransferred int
	Error            string
}

// TransferRecord is the in-flight pipeline state of one study's delivery,
// per §3.
type TransferRecord struct {
	ID             string
	RouteName      AETitle
	StudyUID       StudyUID
	CallingPeer    AETitle
	FileCount      int
	Bytes          int64
	State          TransferState
	PerDestination map[string]*DestinationOutcome
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ArchivedStudy is the durable record written by the archive manager, §3.
type ArchivedStudy struct {
	RouteName           AETitle
	StudyUID            StudyUID
	ArchivedAt          time.Time
	CallingPeer         AETitle
	OriginalFileCount   int
	AnonymizedFileCount int
	ScriptName          string
	BrokerName          string
	HashUIDsEnabled     bool
	PerDestination      map[string]*DestinationOutcome
	AuditGeneratedAt    *time.Time
}
